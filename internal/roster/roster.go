// Package roster abstracts the membership and profile data owned by the
// surrounding product: who belongs to which collaboration group, and what
// name to show for a user. The call core only ever reads it.
package roster

import "sync"

// Directory answers membership and profile questions: group sets feed the
// notifier's admission rules, display names enrich the participant read
// model.
type Directory interface {
	// GroupsOf returns the ids of every group the user owns or belongs to.
	GroupsOf(userID string) []string
	// DisplayNameOf returns the user's profile display name, or "" when the
	// directory has none.
	DisplayNameOf(userID string) string
}

// StaticDirectory is a mutable in-memory Directory for demos and tests.
type StaticDirectory struct {
	mu     sync.RWMutex
	groups map[string][]string // userID → group ids
	names  map[string]string   // userID → display name
}

// NewStatic returns an empty directory.
func NewStatic() *StaticDirectory {
	return &StaticDirectory{
		groups: make(map[string][]string),
		names:  make(map[string]string),
	}
}

// SetGroups replaces the user's group set.
func (d *StaticDirectory) SetGroups(userID string, groupIDs []string) {
	d.mu.Lock()
	d.groups[userID] = append([]string(nil), groupIDs...)
	d.mu.Unlock()
}

// SetDisplayName records the user's profile display name.
func (d *StaticDirectory) SetDisplayName(userID, name string) {
	d.mu.Lock()
	d.names[userID] = name
	d.mu.Unlock()
}

func (d *StaticDirectory) GroupsOf(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.groups[userID]...)
}

func (d *StaticDirectory) DisplayNameOf(userID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[userID]
}
