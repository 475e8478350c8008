package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/acolita/tuibridge/internal/router"
)

var (
	// ErrLimitReached is returned by Register when the session limit is hit.
	ErrLimitReached = errors.New("session limit reached")
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateKey is returned when a channel key is already registered.
	ErrDuplicateKey = errors.New("channel key already registered")
)

// Registry indexes live sessions by ID and by channel key. Channel handlers
// hold only the key and look the session up on every delivery, so the session
// stays the sole owner of its PTY and process.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Session
	byKey map[string]*Session
	limit int
}

// NewRegistry creates a registry admitting at most limit sessions (0 = unlimited).
func NewRegistry(limit int) *Registry {
	return &Registry{
		byID:  make(map[string]*Session),
		byKey: make(map[string]*Session),
		limit: limit,
	}
}

// SetLimit changes the session limit for future registrations.
func (r *Registry) SetLimit(limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
}

// Register adds s under its ID and channel key. The entry is removed
// automatically once the session ends.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	if r.limit > 0 && len(r.byID) >= r.limit {
		r.mu.Unlock()
		return fmt.Errorf("%w (%d)", ErrLimitReached, r.limit)
	}
	if s.Peer.Key != "" {
		if _, ok := r.byKey[s.Peer.Key]; ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateKey, s.Peer.Key)
		}
		r.byKey[s.Peer.Key] = s
	}
	r.byID[s.ID] = s
	r.mu.Unlock()

	go func() {
		<-s.Done()
		r.Remove(s.ID)
	}()
	return nil
}

// Lookup finds the session bound to a channel key.
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[key]
	return s, ok
}

// Get finds a session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Route delivers input from src to the session bound to key. It reports
// whether the session accepted it.
func (r *Registry) Route(key string, src router.Source, p []byte) bool {
	s, ok := r.Lookup(key)
	if !ok {
		return false
	}
	return s.Input().Deliver(src, p)
}

// EndInput marks src as finished for the session bound to key.
func (r *Registry) EndInput(key string, src router.Source) {
	if s, ok := r.Lookup(key); ok {
		s.Input().End(src)
	}
}

// Remove drops a session from the registry without closing it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if s.Peer.Key != "" && r.byKey[s.Peer.Key] == s {
		delete(r.byKey, s.Peer.Key)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// List returns registered sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Terminate closes one session and waits for it to end. Other sessions are
// not touched.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Close()
	return s.Wait(ctx)
}

// CloseAll closes every session and waits for all of them to end.
func (r *Registry) CloseAll(ctx context.Context) error {
	sessions := r.List()
	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
