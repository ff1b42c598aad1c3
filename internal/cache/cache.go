// Package cache implements the layered response cache for tool results.
//
// Two tiers sit in front of live collaborator fetches:
//
//  1. The client snapshot tier (Snapshot): data the browser already holds
//     for the ticker under discussion, sent with the request. Valid for the
//     duration of one request only.
//  2. The server TTL tier (Store): process-wide, shared across requests and
//     conversations, with a per-kind freshness window.
//
// The snapshot tier always wins when it has a matching entry, even if the
// server tier also holds the key. Keys follow the form
// "kind:ticker[:extra]", e.g. "quote:AAPL" or "price_history:AAPL:1mo".
package cache

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Cache kinds. One per tool that caches; the key's first segment.
const (
	KindQuote        = "quote"
	KindCompanyInfo  = "company_info"
	KindFinancials   = "financials"
	KindNews         = "news"
	KindSentiment    = "sentiment"
	KindForecast     = "forecast"
	KindDividends    = "dividends"
	KindSplits       = "splits"
	KindPriceHistory = "price_history"
)

// NoExpiry marks an entry as fresh for the lifetime of the process.
const NoExpiry time.Duration = -1

// Key builds a cache key from kind, ticker, and optional extra segments.
// Tickers are uppercased so "aapl" and "AAPL" share one entry.
func Key(kind, ticker string, extra ...string) string {
	parts := make([]string, 0, 2+len(extra))
	parts = append(parts, kind, strings.ToUpper(ticker))
	parts = append(parts, extra...)
	return strings.Join(parts, ":")
}

type entry struct {
	payload   json.RawMessage
	expiresAt time.Time // zero means NoExpiry
}

// Store is the server-side TTL tier. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	// now is replaceable in tests.
	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached payload for key if present and fresh. Expired
// entries are treated as absent; they are overwritten by the next Set.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.payload, true
}

// Set stores payload under key with the given freshness window. A ttl of
// zero means the result must always be revalidated, so nothing is stored.
// NoExpiry keeps the entry for the lifetime of the process.
func (s *Store) Set(key string, payload json.RawMessage, ttl time.Duration) {
	if ttl == 0 {
		return
	}

	e := entry{payload: payload}
	if ttl != NoExpiry {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// Len reports the number of entries, expired ones included. Used by the
// health report.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
