package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/google/uuid"
)

// DefaultIdleTTL is how long an untouched session is kept.
const DefaultIdleTTL = 2 * time.Hour

// Store holds live conversations keyed by session ID.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Conversation
	idleTTL  time.Duration
	now      func() time.Time
}

func NewStore(idleTTL time.Duration) *Store {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Store{
		sessions: make(map[string]*Conversation),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Create starts an empty conversation with a fresh ID.
func (s *Store) Create() *Conversation {
	c := NewConversation(uuid.NewString())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.ID()] = c
	return c
}

func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return c, nil
}

// Begin looks up the session and starts a turn on it in one step, so a
// concurrent Delete either wins with the session idle or fails with
// ErrTurnInProgress.
func (s *Store) Begin(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if err := c.Begin(); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete ends a session. A session with a turn in progress cannot be deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if c.Busy() {
		return domain.ErrTurnInProgress
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ReapIdle removes every session that has been idle for longer than the TTL
// and returns how many were removed.
func (s *Store) ReapIdle() int {
	cutoff := s.now().UTC().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.sessions {
		if c.idleSince(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Reaper removes idle sessions each time the reaper job runs.
type Reaper struct {
	store *Store
}

func NewReaper(store *Store) *Reaper {
	return &Reaper{store: store}
}

func (r *Reaper) Run(ctx context.Context) error {
	if n := r.store.ReapIdle(); n > 0 {
		log.Printf("sessions: reaped %d idle session(s), %d remaining", n, r.store.Len())
	}
	return nil
}
