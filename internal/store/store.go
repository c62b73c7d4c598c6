// Package store defines the persisted call state consumed by the lifecycle
// coordinator and the incoming-call notifier: Call and Participant rows, the
// change feed that reports writes to them, and the Store contract the
// concrete backends (sqlitestore, memstore) implement.
package store

import (
	"context"
	"errors"
	"time"
)

// CallStatus is the lifecycle state of a Call row. A call transitions
// active → ended exactly once and never reverses.
type CallStatus string

const (
	StatusActive CallStatus = "active"
	StatusEnded  CallStatus = "ended"
)

// Call is one group voice-call session. At most one active Call exists per
// group at any time.
type Call struct {
	ID          string     `json:"id"`
	GroupID     string     `json:"group_id"`
	InitiatedBy string     `json:"initiated_by"`
	Status      CallStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Ended reports whether the call has been closed.
func (c Call) Ended() bool { return c.Status == StatusEnded }

// Participant is one user's presence interval within a call. LeftAt == nil
// means "currently present"; re-joining after leaving creates a new row.
type Participant struct {
	ID       string     `json:"id"`
	CallID   string     `json:"call_id"`
	UserID   string     `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// Open reports whether the participant row is still occupied.
func (p Participant) Open() bool { return p.LeftAt == nil }

var (
	// ErrNotFound means the referenced call or participant row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrEnded means the referenced call exists but is already over.
	ErrEnded = errors.New("store: call already ended")
)

// Store is the persisted-store surface the coordinator and notifier operate
// against. All writes emit change-feed events after commit.
type Store interface {
	InsertCall(ctx context.Context, groupID, initiatedBy string) (Call, error)
	GetCall(ctx context.Context, callID string) (Call, error)
	// ActiveCall returns the single active call of a group, or ErrNotFound.
	ActiveCall(ctx context.Context, groupID string) (Call, error)
	UpdateCallStatus(ctx context.Context, callID string, status CallStatus, endedAt *time.Time) error

	InsertParticipant(ctx context.Context, callID, userID string) (Participant, error)
	MarkParticipantLeft(ctx context.Context, participantID string, leftAt time.Time) error
	// OpenParticipant returns the user's open row in a call, or ErrNotFound.
	OpenParticipant(ctx context.Context, callID, userID string) (Participant, error)
	OpenParticipants(ctx context.Context, callID string) ([]Participant, error)

	// Change-feed subscriptions. The returned cancel func must be called on
	// every state transition that changes what should be observed; orphaned
	// subscriptions keep delivering events.
	SubscribeCallChanges(callID string, fn func(Event)) (cancel func())
	SubscribeParticipantChanges(callID string, fn func(Event)) (cancel func())
	SubscribeNewCalls(fn func(Call)) (cancel func())
}
