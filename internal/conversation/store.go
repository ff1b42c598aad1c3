// Package conversation holds chat transcripts in memory. Conversations are
// keyed by UUID, appended to atomically, and swept after a retention window
// of inactivity. Process restart loses all history; that matches the
// product: conversations are scratch state for one research session.
package conversation

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/stockdesk/internal/agent"
	"github.com/koopa0/stockdesk/internal/log"
)

var (
	// ErrNotFound indicates the conversation id has no transcript, either
	// because it never existed or the sweeper reclaimed it.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidID indicates the id is not a UUID.
	ErrInvalidID = errors.New("invalid conversation id")
)

// DefaultSweepInterval is how often the retention sweep runs.
const DefaultSweepInterval = 10 * time.Minute

type record struct {
	turns      []agent.Turn
	lastActive time.Time
}

// Store is the in-memory conversation store. Safe for concurrent use; every
// append is atomic with respect to concurrent reads of the same id.
type Store struct {
	mu      sync.Mutex
	records map[string]*record

	retention time.Duration
	logger    log.Logger
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
}

// Config configures a Store.
type Config struct {
	// Retention is how long an idle conversation survives. Required.
	Retention time.Duration

	// SweepInterval overrides how often expired conversations are
	// reclaimed. Zero means DefaultSweepInterval.
	SweepInterval time.Duration

	Logger log.Logger
}

// NewStore creates a Store and starts its retention sweeper. Call Stop to
// shut the sweeper down.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("conversation retention must be positive, got %s", cfg.Retention)
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	s := &Store{
		records:   make(map[string]*record),
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.sweep(interval)
	return s, nil
}

// NewID returns a fresh conversation id.
func NewID() string {
	return uuid.NewString()
}

// ValidateID checks that id parses as a UUID.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Append adds turns to the conversation, creating it on first use. The
// whole batch lands atomically: a concurrent Get sees either none or all
// of the turns.
func (s *Store) Append(id string, turns ...agent.Turn) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		r = &record{}
		s.records[id] = r
	}
	r.turns = append(r.turns, turns...)
	r.lastActive = s.now()
	return nil
}

// Get returns a copy of the transcript for id.
func (s *Store) Get(id string) ([]agent.Turn, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return slices.Clone(r.turns), nil
}

// Clear removes the conversation. Clearing an unknown id is not an error;
// the outcome (no transcript) is the same.
func (s *Store) Clear(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Len reports the number of live conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Stop terminates the retention sweeper and waits for it to exit.
func (s *Store) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Store) sweep(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.reapExpired(); n > 0 {
				s.logger.Debug("swept expired conversations", "count", n)
			}
		}
	}
}

func (s *Store) reapExpired() int {
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for id, r := range s.records {
		if r.lastActive.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n
}
