// Package presence tracks which users are online across their sessions.
// The registry is the single source of truth for online/offline state: an
// entry exists if and only if the user has at least one admitted session.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/kindled/chatd/internal/domain"
)

// Registry is the process-wide presence map. All mutation goes through its
// methods; each method is atomic under the registry lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	snapshot    domain.Snapshot
	sessions    map[string]struct{}
	status      string
	connectedAt time.Time
	lastSeenAt  time.Time
}

// NewRegistry creates an empty presence registry. The optional now function
// overrides the clock, for tests.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{entries: make(map[string]*entry), now: now}
}

// Register adds sessionID to the user's entry, creating the entry on the
// user's first session. It reports whether this was the first session, which
// callers use to trigger the "online" broadcast.
func (r *Registry) Register(sessionID string, snap domain.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[snap.UserID]
	if !ok {
		e = &entry{
			snapshot:    snap,
			sessions:    make(map[string]struct{}, 1),
			status:      domain.StatusOnline,
			connectedAt: now,
		}
		r.entries[snap.UserID] = e
	}
	e.sessions[sessionID] = struct{}{}
	e.lastSeenAt = now
	return !ok
}

// Touch updates the user's last-seen timestamp on any activity.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		e.lastSeenAt = r.now()
	}
}

// SetStatus updates the user's advertised status tag. It reports whether
// the user was online.
func (r *Registry) SetStatus(userID, status string) bool {
	switch status {
	case domain.StatusOnline, domain.StatusAway, domain.StatusBusy:
	default:
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	e.status = status
	e.lastSeenAt = r.now()
	return true
}

// Deregister removes sessionID from the user's entry. When the last session
// goes away the entry is deleted, not marked offline, and Deregister reports
// true so the caller can broadcast "offline". Safe to call twice with the
// same session.
func (r *Registry) Deregister(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return false
	}
	delete(e.sessions, sessionID)
	if len(e.sessions) > 0 {
		e.lastSeenAt = r.now()
		return false
	}
	delete(r.entries, userID)
	return true
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// SnapshotFor returns the display snapshot captured when the user came
// online.
func (r *Registry) SnapshotFor(userID string) (domain.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return domain.Snapshot{}, false
	}
	return e.snapshot, true
}

// EntryFor returns a copy of the user's full presence entry.
func (r *Registry) EntryFor(userID string) (domain.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return domain.PresenceEntry{}, false
	}
	return domain.PresenceEntry{
		UserID:      userID,
		Snapshot:    e.snapshot,
		SessionIDs:  sortedKeys(e.sessions),
		Status:      e.status,
		ConnectedAt: e.connectedAt,
		LastSeenAt:  e.lastSeenAt,
	}, true
}

// CountSessions returns the number of live sessions the user holds.
func (r *Registry) CountSessions(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return 0
	}
	return len(e.sessions)
}

// OnlineAmong filters userIDs down to those currently online.
func (r *Registry) OnlineAmong(userIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	online := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := r.entries[id]; ok {
			online = append(online, id)
		}
	}
	return online
}

// Stats exports aggregate counters for the diagnostic surface. Users with
// more than one session are listed for connection-storm diagnosis.
func (r *Registry) Stats() (onlineUsers, totalSessions int, multiSession []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for userID, e := range r.entries {
		onlineUsers++
		totalSessions += len(e.sessions)
		if len(e.sessions) > 1 {
			multiSession = append(multiSession, userID)
		}
	}
	sort.Strings(multiSession)
	return onlineUsers, totalSessions, multiSession
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
