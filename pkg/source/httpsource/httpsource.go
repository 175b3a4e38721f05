// Package httpsource implements source.Source over a paginated JSON/HTTP
// provider API whose cursors are block heights.
//
// Endpoints:
//
//	GET /accounts/{account}/entities?order=asc|desc&after=H&before=H&limit=N
//	GET /entities/{id}
//
// A page response looks like
//
//	{"items": [{"id": "...", "height": 12, "timestamp": 1700000000, ...}],
//	 "next": 12, "has_more": true}
//
// Integers are JSON numbers or decimal strings depending on the
// NumericPolicy fixed at construction. A 410 Gone answer on the regular
// endpoints means the range was pruned and is reported as
// source.ErrHistoryUnavailable.
package httpsource

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/client"
	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/source"
)

// Kind is the registry kind of this source.
const Kind = "http"

// DefaultIDPattern matches 32-byte hex hashes.
const DefaultIDPattern = `^0x[0-9a-fA-F]{64}$`

// Options configures an HTTP source.
type Options struct {
	Name      string
	Numeric   NumericPolicy
	PageLimit int
	IDPattern string
}

// Source is a source.Source[uint64] backed by client.Client.
type Source struct {
	name      string
	numeric   NumericPolicy
	pageLimit int
	idPattern *regexp.Regexp
	client    *client.Client
}

var _ source.Source[uint64] = (*Source)(nil)

// New creates an HTTP source.
func New(opts Options, c *client.Client) (*Source, error) {
	if c == nil {
		return nil, fault.Config("client", "is required")
	}
	if opts.Name == "" {
		opts.Name = c.Source()
	}
	numeric, err := ParseNumericPolicy(string(opts.Numeric))
	if err != nil {
		return nil, err
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 100
	}
	if opts.IDPattern == "" {
		opts.IDPattern = DefaultIDPattern
	}
	re, err := regexp.Compile(opts.IDPattern)
	if err != nil {
		return nil, fault.Config("id_pattern", err.Error())
	}

	return &Source{
		name:      opts.Name,
		numeric:   numeric,
		pageLimit: opts.PageLimit,
		idPattern: re,
		client:    c,
	}, nil
}

// Factory builds a Source from registry configuration. Recognised settings
// are numeric, page_limit and id_pattern.
func Factory(cfg source.Config, c *client.Client) (source.Source[uint64], error) {
	opts := Options{
		Name:      cfg.Name,
		Numeric:   NumericPolicy(cfg.Settings["numeric"]),
		IDPattern: cfg.Settings["id_pattern"],
	}
	if v := cfg.Settings["page_limit"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fault.Config("page_limit", err.Error())
		}
		opts.PageLimit = n
	}
	return New(opts, c)
}

// Register adds this source kind to r.
func Register(r *source.Registry[uint64]) error {
	return r.Register(Kind, Factory)
}

// Name implements source.Source.
func (s *Source) Name() string {
	return s.name
}

// IsValidID implements source.Source.
func (s *Source) IsValidID(id string) bool {
	return s.idPattern.MatchString(id)
}

// CompareCursor implements source.Source.
func (s *Source) CompareCursor(a, b uint64) int {
	return cmp.Compare(a, b)
}

type pageResponse struct {
	Items   []json.RawMessage `json:"items"`
	Next    json.RawMessage   `json:"next"`
	HasMore bool              `json:"has_more"`
}

type itemHeader struct {
	ID        string          `json:"id"`
	Account   string          `json:"account"`
	Kind      string          `json:"kind"`
	Height    json.RawMessage `json:"height"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// FetchPage implements source.Source.
func (s *Source) FetchPage(ctx context.Context, req source.PageRequest[uint64]) (*source.Page[uint64], error) {
	limit := req.Limit
	if limit <= 0 || limit > s.pageLimit {
		limit = s.pageLimit
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	switch {
	case req.Direction == source.Forward && req.Cursor != nil:
		q.Set("order", "asc")
		q.Set("after", strconv.FormatUint(*req.Cursor, 10))
	case req.Direction == source.Backward && req.Cursor != nil:
		q.Set("order", "desc")
		q.Set("before", strconv.FormatUint(*req.Cursor, 10))
	default:
		q.Set("order", "desc")
	}

	var resp pageResponse
	path := "/accounts/" + url.PathEscape(req.Account) + "/entities"
	if err := s.client.GetJSON(ctx, path, q, req.Historic, &resp); err != nil {
		if client.StatusCode(err) == http.StatusGone {
			return nil, fmt.Errorf("%w: %w", source.ErrHistoryUnavailable, err)
		}
		return nil, err
	}

	page := &source.Page[uint64]{
		Items:   make([]source.Item[uint64], 0, len(resp.Items)),
		HasMore: resp.HasMore,
	}
	for _, raw := range resp.Items {
		var h itemHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, fault.Permanent(s.name, fmt.Errorf("decode item: %w", err))
		}
		height, err := s.numeric.decodeUint(h.Height)
		if err != nil {
			return nil, fault.Permanent(s.name, fmt.Errorf("item %s height: %w", h.ID, err))
		}
		page.Items = append(page.Items, source.Item[uint64]{Cursor: height, Raw: raw})
	}

	if len(resp.Next) > 0 && string(resp.Next) != "null" {
		next, err := s.numeric.decodeUint(resp.Next)
		if err != nil {
			return nil, fault.Permanent(s.name, fmt.Errorf("next cursor: %w", err))
		}
		page.Next = &next
	}

	return page, nil
}

// FetchByID implements source.Source. Unknown ids are permanent failures.
func (s *Source) FetchByID(ctx context.Context, id string) (json.RawMessage, error) {
	if !s.IsValidID(id) {
		return nil, fmt.Errorf("%w: %q", fault.ErrInvalidID, id)
	}

	body, err := s.client.Do(ctx, client.Request{
		Method: http.MethodGet,
		Path:   "/entities/" + url.PathEscape(id),
	})
	if err != nil {
		if client.StatusCode(err) == http.StatusNotFound {
			return nil, fault.Permanent(s.name, fmt.Errorf("%w: %q not found", fault.ErrUnverifiable, id))
		}
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fault.Permanent(s.name, errors.New("entity body is not valid JSON"))
	}
	return body, nil
}

// ParseEntity implements source.Source.
func (s *Source) ParseEntity(raw json.RawMessage) (*source.Entity, error) {
	var h itemHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fault.Permanent(s.name, fmt.Errorf("decode entity: %w", err))
	}
	if h.ID == "" {
		return nil, fault.Permanent(s.name, errors.New("entity without id"))
	}

	height, err := s.numeric.decodeUint(h.Height)
	if err != nil {
		return nil, fault.Permanent(s.name, fmt.Errorf("entity %s height: %w", h.ID, err))
	}
	ts, err := s.numeric.decodeUint(h.Timestamp)
	if err != nil {
		return nil, fault.Permanent(s.name, fmt.Errorf("entity %s timestamp: %w", h.ID, err))
	}

	kind := h.Kind
	if kind == "" {
		kind = "tx"
	}

	return &source.Entity{
		ID:        h.ID,
		Account:   h.Account,
		Kind:      kind,
		Height:    height,
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Data:      append(json.RawMessage(nil), raw...),
	}, nil
}
