// Package typing implements the ephemeral per-room typing indicator state
// machine. Each room holds at most one typing state; starting a new one
// replaces and cancels whatever was there before.
package typing

import (
	"sync"
	"time"

	"github.com/kindled/chatd/internal/domain"
)

// Expiry is delivered to the expiry callback when a typing state times out
// without an explicit stop.
type Expiry struct {
	RoomID   string
	Snapshot domain.Snapshot
}

// Coordinator owns all live typing states. Timer callbacks are generation
// stamped: a fired timer whose generation no longer matches the live state
// is a no-op, so replacing a state never produces a duplicate expiry.
type Coordinator struct {
	mu       sync.Mutex
	rooms    map[string]*state
	timeout  time.Duration
	gen      uint64
	onExpire func(Expiry)

	// afterFunc is swapped out in tests to fire timers deterministically.
	afterFunc func(time.Duration, func()) *time.Timer
}

type state struct {
	snapshot  domain.Snapshot
	startedAt time.Time
	gen       uint64
	timer     *time.Timer
}

// NewCoordinator creates a coordinator whose states expire after timeout.
// onExpire is invoked (outside the coordinator lock) for every timeout-driven
// stop, so the server can broadcast isTyping=false.
func NewCoordinator(timeout time.Duration, onExpire func(Expiry)) *Coordinator {
	if onExpire == nil {
		onExpire = func(Expiry) {}
	}
	return &Coordinator{
		rooms:     make(map[string]*state),
		timeout:   timeout,
		onExpire:  onExpire,
		afterFunc: time.AfterFunc,
	}
}

// Start records that snap's user is typing in roomID, starting or
// refreshing the expiry timer. When a different user owned the prior state,
// their snapshot is returned so the caller can broadcast a stop for them.
func (c *Coordinator) Start(roomID string, snap domain.Snapshot) (replaced *domain.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.rooms[roomID]; ok {
		prior.timer.Stop()
		if prior.snapshot.UserID != snap.UserID {
			s := prior.snapshot
			replaced = &s
		}
	}

	c.gen++
	gen := c.gen
	c.rooms[roomID] = &state{
		snapshot:  snap,
		startedAt: time.Now(),
		gen:       gen,
		timer:     c.afterFunc(c.timeout, func() { c.expire(roomID, gen) }),
	}
	return replaced
}

// Stop clears the typing state for roomID if it is owned by userID. It
// reports whether a state was cleared, which callers use to decide whether
// an isTyping=false broadcast is due.
func (c *Coordinator) Stop(roomID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.rooms[roomID]
	if !ok || s.snapshot.UserID != userID {
		return false
	}
	s.timer.Stop()
	delete(c.rooms, roomID)
	return true
}

// ClearUser removes every typing state owned by userID and returns the
// affected room ids. Called on the user's full disconnect.
func (c *Coordinator) ClearUser(userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cleared []string
	for roomID, s := range c.rooms {
		if s.snapshot.UserID != userID {
			continue
		}
		s.timer.Stop()
		delete(c.rooms, roomID)
		cleared = append(cleared, roomID)
	}
	return cleared
}

// Owner returns the snapshot of the user currently typing in roomID.
func (c *Coordinator) Owner(roomID string) (domain.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.rooms[roomID]
	if !ok {
		return domain.Snapshot{}, false
	}
	return s.snapshot, true
}

// Count returns the number of rooms with a live typing state.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

func (c *Coordinator) expire(roomID string, gen uint64) {
	c.mu.Lock()
	s, ok := c.rooms[roomID]
	if !ok || s.gen != gen {
		// Superseded or already stopped; a late timer must not act.
		c.mu.Unlock()
		return
	}
	delete(c.rooms, roomID)
	snap := s.snapshot
	c.mu.Unlock()

	c.onExpire(Expiry{RoomID: roomID, Snapshot: snap})
}
