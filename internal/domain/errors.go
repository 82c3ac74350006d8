package domain

import (
	"errors"
	"fmt"
	"time"
)

// Admission reason codes carried by [AdmissionError]. Clients use them to
// decide whether a refresh-and-retry is worthwhile.
const (
	AdmissionNoCredential      = "no_credential"
	AdmissionInvalidCredential = "invalid_credential"
	AdmissionExpiredCredential = "expired_credential"
	AdmissionRateLimited       = "rate_limited"
	AdmissionBlocked           = "temporarily_blocked"
	AdmissionTooManySessions   = "too_many_sessions"
	AdmissionUserNotFound      = "user_not_found"
	AdmissionUserInactive      = "user_inactive"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrAccessDenied means the user is not a current, non-blocked
	// participant of the room's conversation.
	ErrAccessDenied = errors.New("access denied")

	// ErrConversationInactive means the conversation exists but is not in
	// a state that accepts messages (expired or unmatched).
	ErrConversationInactive = errors.New("conversation inactive")

	// ErrConversationExpired means the first-message deadline elapsed with
	// no message sent.
	ErrConversationExpired = errors.New("conversation expired")

	// ErrConversationNotFound means the requested conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrUserNotFound means the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrValidation covers empty/oversized content and missing required
	// fields. Rejected synchronously, before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrMessageRateLimited is returned when a sender exceeds the per-room
	// message ceiling. Distinct from ErrValidation so clients back off.
	ErrMessageRateLimited = errors.New("message rate limit exceeded")

	// ErrCollaborator wraps store or notification failures. Surfaced to the
	// requesting session as a generic failure without internal detail.
	ErrCollaborator = errors.New("collaborator failure")
)

// AdmissionError rejects a connection attempt before a session exists.
// It is a value, not a panic; the transport closes the attempt with the
// reason and never retries on the server side.
type AdmissionError struct {
	Reason     string
	RetryAfter time.Duration // non-zero for rate-limited and blocked rejections
}

func (e *AdmissionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("admission rejected: %s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return "admission rejected: " + e.Reason
}

// IsAdmissionError unwraps err into an [AdmissionError], if it is one.
func IsAdmissionError(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// RoomError wraps an underlying error with room context.
type RoomError struct {
	RoomID string
	Op     string
	Err    error
}

func (e *RoomError) Error() string {
	if e.RoomID != "" {
		return fmt.Sprintf("room %s: %s: %v", e.RoomID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RoomError) Unwrap() error {
	return e.Err
}
