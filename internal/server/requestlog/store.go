// Package requestlog keeps the most recent front-door requests in memory.
package requestlog

import (
	"sync"
	"time"
)

const (
	defaultCapacity  = 1000
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Entry is one completed HTTP request.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Route        string    `json:"route,omitempty"`
	Status       int       `json:"status"`
	DurationMS   float64   `json:"duration_ms"`
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
	ClientIP     string    `json:"client_ip"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Owner        string    `json:"owner,omitempty"`
	InvocationID string    `json:"invocation_id,omitempty"`
}

// Store is a thread-safe ring buffer of entries.
type Store struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
}

// NewStore creates a store holding at most capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, overwriting the oldest when full.
func (s *Store) Add(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.head] = entry
	s.head = (s.head + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
}

// FilterOptions selects entries. Zero values match everything.
type FilterOptions struct {
	Method          string
	Route           string
	Owner           string
	Status          int
	MinStatus       int
	MaxStatus       int
	InvocationsOnly bool
	Since           time.Time
	Until           time.Time
	Limit           int
	Offset          int
}

// ListResult is one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// List returns matching entries, newest first.
func (s *Store) List(opts FilterOptions) ListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	opts.Limit = min(opts.Limit, maxListLimit)
	opts.Offset = max(opts.Offset, 0)

	filtered := []Entry{}
	for i := range s.count {
		entry := s.entries[(s.head-1-i+s.capacity)%s.capacity]
		if opts.matches(entry) {
			filtered = append(filtered, entry)
		}
	}

	total := len(filtered)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)

	return ListResult{
		Entries: filtered[start:end],
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}
}

func (o FilterOptions) matches(e Entry) bool {
	switch {
	case o.Method != "" && e.Method != o.Method:
		return false
	case o.Route != "" && e.Route != o.Route:
		return false
	case o.Owner != "" && e.Owner != o.Owner:
		return false
	case o.InvocationsOnly && e.InvocationID == "":
		return false
	case o.Status != 0 && e.Status != o.Status:
		return false
	case o.MinStatus != 0 && e.Status < o.MinStatus:
		return false
	case o.MaxStatus != 0 && e.Status > o.MaxStatus:
		return false
	case !o.Since.IsZero() && e.Timestamp.Before(o.Since):
		return false
	case !o.Until.IsZero() && e.Timestamp.After(o.Until):
		return false
	}
	return true
}

// Count returns the number of entries currently held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]Entry, s.capacity)
	s.head = 0
	s.count = 0
}

// Stats describes the store's occupancy.
type Stats struct {
	Capacity int `json:"capacity"`
	Count    int `json:"count"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Capacity: s.capacity,
		Count:    s.count,
	}
}
