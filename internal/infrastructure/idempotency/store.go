package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotStarted = errors.New("idempotency: key not started")

type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// Record is what a key remembers: the request fingerprint and, once the
// first request finished, its response.
type Record struct {
	State       State  `json:"state"`
	Fingerprint string `json:"fingerprint"`
	StatusCode  int    `json:"statusCode,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Store claims keys and keeps completed responses for replay.
type Store interface {
	// Begin claims key for a new request. When the key is already claimed it
	// returns the existing record and started=false.
	Begin(ctx context.Context, key, fingerprint string, ttl time.Duration) (existing *Record, started bool, err error)
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release forgets key so the request can be retried.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore keeps keys in process. Suitable for a single API instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		rec := e.rec
		return &rec, false, nil
	}
	s.entries[key] = memoryEntry{
		rec:       Record{State: StateInProgress, Fingerprint: fingerprint},
		expiresAt: now.Add(ttl),
	}
	s.sweep(now)
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return ErrNotStarted
	}
	rec.State = StateCompleted
	s.entries[key] = memoryEntry{rec: rec, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
