// Package source defines the capability a remote data source has to provide
// so that accounts on it can be fetched and correlated.
//
// Chain-specific RPC shapes stay behind Source. Everything else in the
// module is generic over the source's cursor type C.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrHistoryUnavailable is returned by FetchPage when the regular endpoints
// no longer serve the requested range. Callers retry with Historic set.
var ErrHistoryUnavailable = errors.New("history unavailable on regular endpoints")

// Direction is the walk direction of a fetch.
type Direction int

const (
	// Forward walks from the newest known item towards the chain head.
	Forward Direction = iota

	// Backward walks from the oldest known item towards genesis.
	Backward
)

// String returns the direction name used in logs and metrics.
func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Entity is a chain-agnostic fetched unit such as a transaction or log.
type Entity struct {
	ID        string          `json:"id"`
	Account   string          `json:"account,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Height    uint64          `json:"height"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PageRequest asks a source for one page of an account's history.
type PageRequest[C any] struct {
	Account string

	// Cursor is the exclusive boundary to page from. Nil means "start at
	// the newest item".
	Cursor *C

	// Direction Forward returns items newer than Cursor in ascending order.
	// Backward returns items older than Cursor in descending order.
	Direction Direction

	Limit    int
	Historic bool
}

// Item is one raw page entry and its cursor.
type Item[C any] struct {
	Cursor C
	Raw    json.RawMessage
}

// Page is one page of an account's history.
type Page[C any] struct {
	Items []Item[C]

	// Next is the cursor to continue from, when the source provides one.
	Next *C

	// HasMore is false once the source has nothing beyond this page in
	// the requested direction.
	HasMore bool
}

// Source is the capability a remote data source implements.
type Source[C any] interface {
	// Name identifies the source in logs, metrics and throttle state.
	Name() string

	// IsValidID reports whether id is well-formed for this source.
	IsValidID(id string) bool

	// FetchPage returns one page of an account's history.
	FetchPage(ctx context.Context, req PageRequest[C]) (*Page[C], error)

	// FetchByID returns a single entity's raw form.
	FetchByID(ctx context.Context, id string) (json.RawMessage, error)

	// ParseEntity decodes a raw item.
	ParseEntity(raw json.RawMessage) (*Entity, error)

	// CompareCursor orders cursors: negative when a is older than b.
	CompareCursor(a, b C) int
}
