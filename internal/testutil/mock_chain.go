// Package testutil provides testing utilities for chainfetch.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MockEntity is one item served by MockChain.
type MockEntity struct {
	ID        string
	Account   string
	Height    uint64
	Timestamp time.Time
	Kind      string
}

// MockResponse overrides the answer for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockChain is a configurable mock provider for testing. It serves the same
// data on a regular and a historic endpoint; the regular one refuses to
// serve heights below PrunedBelow.
type MockChain struct {
	server   *httptest.Server
	historic *httptest.Server

	mu        sync.RWMutex
	entities  []MockEntity
	overrides map[string][]MockResponse

	// StringNumbers encodes heights and timestamps as decimal strings.
	StringNumbers bool

	// PrunedBelow makes the regular endpoint answer 410 for older heights.
	PrunedBelow uint64

	// Tracking
	RequestCount   int
	HistoricCount  int
	FetchByIDCount map[string]int
}

// NewMockChain creates a new mock provider.
func NewMockChain() *MockChain {
	m := &MockChain{
		overrides:      make(map[string][]MockResponse),
		FetchByIDCount: make(map[string]int),
	}
	m.server = httptest.NewServer(m.handler(false))
	m.historic = httptest.NewServer(m.handler(true))
	return m
}

// URL returns the regular endpoint URL.
func (m *MockChain) URL() string {
	return m.server.URL
}

// HistoricURL returns the historic endpoint URL.
func (m *MockChain) HistoricURL() string {
	return m.historic.URL
}

// Close shuts down both servers.
func (m *MockChain) Close() {
	m.server.Close()
	m.historic.Close()
}

// Add appends entities to the served history.
func (m *MockChain) Add(entities ...MockEntity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = append(m.entities, entities...)
}

// Generate adds n entities for account at heights start..start+n-1, one
// minute apart from base. Ids are 0x-prefixed 64 digit hex strings.
func (m *MockChain) Generate(account string, start uint64, n int, base time.Time) []MockEntity {
	out := make([]MockEntity, n)
	for i := 0; i < n; i++ {
		h := start + uint64(i)
		out[i] = MockEntity{
			ID:        HexID(account, h),
			Account:   account,
			Height:    h,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Kind:      "tx",
		}
	}
	m.Add(out...)
	return out
}

// HexID derives a well-formed hash id from account and height.
func HexID(account string, height uint64) string {
	var sum uint64 = 1469598103934665603
	for _, c := range []byte(account) {
		sum = (sum ^ uint64(c)) * 1099511628211
	}
	return fmt.Sprintf("0x%016x%048x", sum, height)
}

// SetResponse queues override responses for path. Each request to path
// consumes one override until none are left.
func (m *MockChain) SetResponse(path string, resp ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[path] = append(m.overrides[path], resp...)
}

// GetRequestCount returns the number of requests made to the regular server.
func (m *MockChain) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetFetchByIDCount returns how often id was fetched directly.
func (m *MockChain) GetFetchByIDCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FetchByIDCount[id]
}

func (m *MockChain) handler(historic bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/{account}/entities", func(w http.ResponseWriter, r *http.Request) {
		m.servePage(w, r, historic)
	})
	mux.HandleFunc("GET /entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		m.serveEntity(w, r)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		if historic {
			m.HistoricCount++
		} else {
			m.RequestCount++
		}
		var override *MockResponse
		if queue := m.overrides[r.URL.Path]; len(queue) > 0 {
			override = &queue[0]
			m.overrides[r.URL.Path] = queue[1:]
		}
		m.mu.Unlock()

		if override != nil {
			writeOverride(w, *override)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeOverride(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func (m *MockChain) servePage(w http.ResponseWriter, r *http.Request, historic bool) {
	account := r.PathValue("account")
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	var owned []MockEntity
	for _, e := range m.entities {
		if e.Account == account {
			owned = append(owned, e)
		}
	}
	pruned := m.PrunedBelow
	m.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i].Height < owned[j].Height })

	var candidates []MockEntity
	if q.Get("order") == "asc" {
		after, _ := strconv.ParseUint(q.Get("after"), 10, 64)
		for _, e := range owned {
			if e.Height > after {
				candidates = append(candidates, e)
			}
		}
	} else {
		before := uint64(1<<63 - 1)
		if v := q.Get("before"); v != "" {
			before, _ = strconv.ParseUint(v, 10, 64)
		}
		for i := len(owned) - 1; i >= 0; i-- {
			if owned[i].Height < before {
				candidates = append(candidates, owned[i])
			}
		}
	}

	page := candidates
	if len(page) > limit {
		page = page[:limit]
	}

	if !historic {
		for _, e := range page {
			if e.Height < pruned {
				http.Error(w, `{"error":"history pruned"}`, http.StatusGone)
				return
			}
		}
	}

	items := make([]json.RawMessage, 0, len(page))
	for _, e := range page {
		items = append(items, m.encode(e))
	}
	resp := map[string]any{
		"items":    items,
		"has_more": len(candidates) > len(page),
		"next":     nil,
	}
	if len(page) > 0 {
		resp["next"] = m.number(page[len(page)-1].Height)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-RateLimit-Remaining", "100")
	w.Header().Set("X-RateLimit-Reset", "60")
	json.NewEncoder(w).Encode(resp)
}

func (m *MockChain) serveEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m.mu.Lock()
	m.FetchByIDCount[id]++
	var found *MockEntity
	for i := range m.entities {
		if m.entities[i].ID == id {
			found = &m.entities[i]
			break
		}
	}
	var body json.RawMessage
	if found != nil {
		body = m.encode(*found)
	}
	m.mu.Unlock()

	if found == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(body)
}

func (m *MockChain) number(v uint64) any {
	if m.StringNumbers {
		return strconv.FormatUint(v, 10)
	}
	return v
}

func (m *MockChain) encode(e MockEntity) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"id":        e.ID,
		"account":   e.Account,
		"kind":      e.Kind,
		"height":    m.number(e.Height),
		"timestamp": m.number(uint64(e.Timestamp.Unix())),
	})
	return raw
}

// NewThrottledResponse creates a 429 Too Many Requests response.
func NewThrottledResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(retryAfter),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
