// Package gate authenticates connection attempts and applies
// connection-storm protection before a session is admitted. Its side
// effects are confined to the attempt and block maps; no presence or room
// state is touched here.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kindled/chatd/internal/auth"
	"github.com/kindled/chatd/internal/domain"
)

// UserStore is the collaborator slice the gate needs: resolve the admitted
// principal and its account flags.
type UserStore interface {
	UserByID(ctx context.Context, id string) (domain.User, error)
}

// SessionCounter reports how many admitted sessions a user already holds.
// Implemented by the presence registry.
type SessionCounter interface {
	CountSessions(userID string) int
}

// TokenVerifier validates a bearer credential and resolves the user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Config carries the admission tunables.
type Config struct {
	RateWindow    time.Duration // sliding attempt window
	RateCeiling   int           // attempts allowed per window
	BlockDuration time.Duration // cool-down applied past 2x the ceiling
	MaxSessions   int           // concurrent sessions per user
}

// Gate is the admission pipeline. Every check short-circuits with a
// reason-coded [domain.AdmissionError]; rejections are values, never
// panics, and the server never retries on the client's behalf.
type Gate struct {
	cfg      Config
	verifier TokenVerifier
	users    UserStore
	sessions SessionCounter
	now      func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptCounter
	blocks   map[string]time.Time // user id -> block end
}

type attemptCounter struct {
	count       int
	windowStart time.Time
	lastAttempt time.Time
}

// New creates a gate. The optional now function overrides the clock, for
// tests.
func New(cfg Config, verifier TokenVerifier, users UserStore, sessions SessionCounter, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		cfg:      cfg,
		verifier: verifier,
		users:    users,
		sessions: sessions,
		now:      now,
		attempts: make(map[string]*attemptCounter),
		blocks:   make(map[string]time.Time),
	}
}

// Admit runs the admission pipeline for a connection attempt carrying the
// given bearer credential and returns the admitted principal's snapshot.
func (g *Gate) Admit(ctx context.Context, credential string) (domain.Snapshot, error) {
	if credential == "" {
		return domain.Snapshot{}, &domain.AdmissionError{Reason: domain.AdmissionNoCredential}
	}

	userID, err := g.verifier.Verify(credential)
	if err != nil {
		reason := domain.AdmissionInvalidCredential
		if errors.Is(err, auth.ErrTokenExpired) {
			reason = domain.AdmissionExpiredCredential
		}
		return domain.Snapshot{}, &domain.AdmissionError{Reason: reason}
	}

	if err := g.checkStorm(userID); err != nil {
		return domain.Snapshot{}, err
	}

	if n := g.sessions.CountSessions(userID); n >= g.cfg.MaxSessions {
		return domain.Snapshot{}, &domain.AdmissionError{Reason: domain.AdmissionTooManySessions}
	}

	user, err := g.users.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.Snapshot{}, &domain.AdmissionError{Reason: domain.AdmissionUserNotFound}
		}
		return domain.Snapshot{}, err
	}
	if !user.Active || user.Locked {
		return domain.Snapshot{}, &domain.AdmissionError{Reason: domain.AdmissionUserInactive}
	}

	return domain.Snapshot{UserID: user.ID, Name: user.Name, AvatarURL: user.AvatarURL}, nil
}

// checkStorm enforces the active block, then the sliding attempt counter.
// Counting past twice the ceiling escalates to a temporary block: the
// circuit breaker for reconnect-looping clients.
func (g *Gate) checkStorm(userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if until, ok := g.blocks[userID]; ok {
		if now.Before(until) {
			return &domain.AdmissionError{
				Reason:     domain.AdmissionBlocked,
				RetryAfter: until.Sub(now),
			}
		}
		delete(g.blocks, userID)
	}

	c, ok := g.attempts[userID]
	if !ok || now.Sub(c.windowStart) >= g.cfg.RateWindow {
		g.attempts[userID] = &attemptCounter{count: 1, windowStart: now, lastAttempt: now}
		return nil
	}
	c.count++
	c.lastAttempt = now

	if c.count > 2*g.cfg.RateCeiling {
		g.blocks[userID] = now.Add(g.cfg.BlockDuration)
		return &domain.AdmissionError{
			Reason:     domain.AdmissionBlocked,
			RetryAfter: g.cfg.BlockDuration,
		}
	}
	if c.count > g.cfg.RateCeiling {
		return &domain.AdmissionError{
			Reason:     domain.AdmissionRateLimited,
			RetryAfter: g.cfg.RateWindow - now.Sub(c.windowStart),
		}
	}
	return nil
}

// BlockedUntil reports the end of the user's active block, if any.
func (g *Gate) BlockedUntil(userID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.blocks[userID]
	if !ok || !g.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Cleanup evicts elapsed attempt windows and expired blocks. Called
// periodically by the server janitor so the hot admission path never
// iterates the maps.
func (g *Gate) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for userID, c := range g.attempts {
		if now.Sub(c.windowStart) >= g.cfg.RateWindow {
			delete(g.attempts, userID)
		}
	}
	for userID, until := range g.blocks {
		if !now.Before(until) {
			delete(g.blocks, userID)
		}
	}
}
