package cache

import (
	"encoding/json"
	"strings"
	"time"
)

// snapshotSections maps the section names the browser sends to cache kinds.
// The client bundles whatever panels it has already rendered for the ticker
// under discussion; "overview" is its name for company info.
var snapshotSections = map[string]string{
	"overview":   KindCompanyInfo,
	"quote":      KindQuote,
	"financials": KindFinancials,
	"news":       KindNews,
	"dividends":  KindDividends,
	"splits":     KindSplits,
	"sentiment":  KindSentiment,
}

// Snapshot is the client-provided tier: data the browser already holds for
// a single ticker, valid for one request. It is read-only after creation
// and never consulted for any other ticker.
type Snapshot struct {
	ticker  string
	entries map[string]json.RawMessage // keyed by kind
}

// NewSnapshot builds a Snapshot for ticker from the raw context sections of
// a chat request. Unknown section names and empty sections are ignored.
// A nil or empty sections map yields a usable, always-miss Snapshot.
func NewSnapshot(ticker string, sections map[string]json.RawMessage) *Snapshot {
	snap := &Snapshot{
		ticker:  strings.ToUpper(ticker),
		entries: make(map[string]json.RawMessage, len(sections)),
	}
	for name, payload := range sections {
		kind, ok := snapshotSections[name]
		if !ok || len(payload) == 0 || string(payload) == "null" {
			continue
		}
		snap.entries[kind] = payload
	}
	return snap
}

// Get returns the snapshot payload for key, if the key's ticker matches the
// snapshot's ticker and the client sent that section. Keys with an extra
// segment (e.g. a price-history range) never match: the client snapshot
// carries only the default view of each section.
func (s *Snapshot) Get(key string) (json.RawMessage, bool) {
	if s == nil {
		return nil, false
	}
	kind, ticker, extra, ok := splitKey(key)
	if !ok || extra != "" || ticker != s.ticker {
		return nil, false
	}
	payload, ok := s.entries[kind]
	return payload, ok
}

// Ticker returns the ticker this snapshot covers.
func (s *Snapshot) Ticker() string {
	if s == nil {
		return ""
	}
	return s.ticker
}

func splitKey(key string) (kind, ticker, extra string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 {
		return "", "", "", false
	}
	kind, ticker = parts[0], parts[1]
	if len(parts) == 3 {
		extra = parts[2]
	}
	return kind, ticker, extra, true
}

// Layered combines the snapshot tier with the server TTL tier. The snapshot
// takes precedence on lookup; writes only ever go to the server tier.
type Layered struct {
	snapshot *Snapshot
	store    *Store
}

// NewLayered pairs a per-request snapshot with the shared store. snapshot
// may be nil when the client sent no context.
func NewLayered(snapshot *Snapshot, store *Store) *Layered {
	return &Layered{snapshot: snapshot, store: store}
}

// Get consults the snapshot tier first, then the server tier.
func (l *Layered) Get(key string) (json.RawMessage, bool) {
	if payload, ok := l.snapshot.Get(key); ok {
		return payload, true
	}
	return l.store.Get(key)
}

// Set writes through to the server tier with the given freshness window.
func (l *Layered) Set(key string, payload json.RawMessage, ttl time.Duration) {
	l.store.Set(key, payload, ttl)
}
