// Package mock provides an in-memory test double for [archive.Store].
//
// The mock records every method call and exposes exported fields that
// control errors. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{}
//	// inject store into the system under test …
//	if got := store.CallCount("Save"); got != 1 {
//	    t.Errorf("expected 1 Save call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/taleweaver/pkg/archive"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

var _ archive.Store = (*Store)(nil)

// Store is an in-memory [archive.Store]. Saved recaps are kept and served by
// Get and List; List matches Query as a case-insensitive substring.
type Store struct {
	mu     sync.Mutex
	calls  []Call
	recaps map[string]archive.Recap

	// SaveErr is returned by [Store.Save] when non-nil.
	SaveErr error

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// ListErr is returned by [Store.List] when non-nil.
	ListErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Save implements [archive.Store].
func (m *Store) Save(_ context.Context, rec archive.Recap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Save", rec)
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.recaps == nil {
		m.recaps = make(map[string]archive.Recap)
	}
	m.recaps[rec.ID] = rec
	return nil
}

// Get implements [archive.Store].
func (m *Store) Get(_ context.Context, id string) (archive.Recap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Get", id)
	if m.GetErr != nil {
		return archive.Recap{}, m.GetErr
	}
	rec, ok := m.recaps[id]
	if !ok {
		return archive.Recap{}, fmt.Errorf("%w: %q", archive.ErrNotFound, id)
	}
	return rec, nil
}

// List implements [archive.Store].
func (m *Store) List(_ context.Context, opts archive.ListOpts) ([]archive.Recap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("List", opts)
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := []archive.Recap{}
	q := strings.ToLower(opts.Query)
	for _, r := range m.recaps {
		if opts.Source != "" && r.Source != opts.Source {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(r.GMRecap+" "+r.PlayerStory), q) {
			continue
		}
		r.Result = nil
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b archive.Recap) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Ping implements [archive.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}
