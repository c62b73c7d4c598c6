// Package memstore is a mutex-guarded in-memory Store used by unit tests
// and single-process demos. It shares the change-feed dispatcher with the
// sqlite implementation so reactive behavior is identical.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/formcrew/crewcall/internal/store"
)

// Store keeps Call and Participant rows in maps.
type Store struct {
	mu    sync.Mutex
	calls map[string]store.Call
	parts map[string]store.Participant
	feed  *store.Feed
	now   func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		calls: make(map[string]store.Call),
		parts: make(map[string]store.Participant),
		feed:  store.NewFeed(),
		now:   time.Now,
	}
}

// SetNow overrides the time source. Test hook.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

func (s *Store) InsertCall(_ context.Context, groupID, initiatedBy string) (store.Call, error) {
	c := store.Call{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		InitiatedBy: initiatedBy,
		Status:      store.StatusActive,
		StartedAt:   s.now().UTC(),
	}
	s.mu.Lock()
	s.calls[c.ID] = c
	s.mu.Unlock()

	s.feed.Emit(store.Event{Kind: store.KindCall, Op: store.OpInsert, Call: &c})
	return c, nil
}

func (s *Store) GetCall(_ context.Context, callID string) (store.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return store.Call{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ActiveCall(_ context.Context, groupID string) (store.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.GroupID == groupID && c.Status == store.StatusActive {
			return c, nil
		}
	}
	return store.Call{}, store.ErrNotFound
}

func (s *Store) UpdateCallStatus(_ context.Context, callID string, status store.CallStatus, endedAt *time.Time) error {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	// A second ended write is the tolerated double-leave race; it must not
	// produce a second observable transition.
	if c.Status == status {
		s.mu.Unlock()
		return nil
	}
	c.Status = status
	c.EndedAt = endedAt
	s.calls[callID] = c
	s.mu.Unlock()

	s.feed.Emit(store.Event{Kind: store.KindCall, Op: store.OpUpdate, Call: &c})
	return nil
}

func (s *Store) InsertParticipant(_ context.Context, callID, userID string) (store.Participant, error) {
	s.mu.Lock()
	if _, ok := s.calls[callID]; !ok {
		s.mu.Unlock()
		return store.Participant{}, store.ErrNotFound
	}
	p := store.Participant{
		ID:       uuid.NewString(),
		CallID:   callID,
		UserID:   userID,
		JoinedAt: s.now().UTC(),
	}
	s.parts[p.ID] = p
	s.mu.Unlock()

	s.feed.Emit(store.Event{Kind: store.KindParticipant, Op: store.OpInsert, Participant: &p})
	return p, nil
}

func (s *Store) MarkParticipantLeft(_ context.Context, participantID string, leftAt time.Time) error {
	s.mu.Lock()
	p, ok := s.parts[participantID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if p.LeftAt != nil {
		s.mu.Unlock()
		return nil
	}
	t := leftAt.UTC()
	p.LeftAt = &t
	s.parts[participantID] = p
	s.mu.Unlock()

	s.feed.Emit(store.Event{Kind: store.KindParticipant, Op: store.OpUpdate, Participant: &p})
	return nil
}

func (s *Store) OpenParticipant(_ context.Context, callID, userID string) (store.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts {
		if p.CallID == callID && p.UserID == userID && p.LeftAt == nil {
			return p, nil
		}
	}
	return store.Participant{}, store.ErrNotFound
}

func (s *Store) OpenParticipants(_ context.Context, callID string) ([]store.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Participant
	for _, p := range s.parts {
		if p.CallID == callID && p.LeftAt == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) SubscribeCallChanges(callID string, fn func(store.Event)) (cancel func()) {
	return s.feed.SubscribeCall(callID, fn)
}

func (s *Store) SubscribeParticipantChanges(callID string, fn func(store.Event)) (cancel func()) {
	return s.feed.SubscribeParticipant(callID, fn)
}

func (s *Store) SubscribeNewCalls(fn func(store.Call)) (cancel func()) {
	return s.feed.SubscribeNewCalls(fn)
}

// Feed exposes the dispatcher for relaying across processes.
func (s *Store) Feed() *store.Feed { return s.feed }
