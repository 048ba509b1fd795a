package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusExpiring   Status = "expiring"
	StatusTerminated Status = "terminated"
)

// Session binds one user to one render server for a bounded lifetime.
// Deadline is the next point in time the lifecycle sweep must act on it:
// min(created+maxDuration, lastActivity+idleTimeout) while running, or the
// end of the termination grace window once expiring.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ServerID     string    `json:"server_id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Deadline     time.Time `json:"deadline"`
}

// Terminal reports whether the session has reached its final state.
func (s Session) Terminal() bool {
	return s.Status == StatusTerminated
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUserHasSession  = errors.New("user already has a session")
)

// Store persists session records. Mutations on a single session are
// serializable with respect to each other; operations on distinct sessions
// are independent.
type Store interface {
	// Put inserts a new session. It fails with ErrUserHasSession when the
	// user already owns a non-terminated session.
	Put(ctx context.Context, session Session) error
	Get(ctx context.Context, sessionID string) (Session, error)
	// GetByUser returns the user's current session, terminated or not,
	// as long as the record has not been removed.
	GetByUser(ctx context.Context, userID string) (Session, error)
	Remove(ctx context.Context, sessionID string) error
	// Transition atomically moves the session from one of the given states
	// to the target state, setting the new deadline. It reports false when
	// the current status is not in from; the returned session reflects the
	// state observed.
	Transition(ctx context.Context, sessionID string, from []Status, to Status, deadline time.Time) (Session, bool, error)
	// Touch refreshes last-activity and the deadline of an active session.
	// Non-active sessions are left unchanged.
	Touch(ctx context.Context, sessionID string, at, deadline time.Time) error
	// ListExpiringBefore returns sessions whose deadline is at or before ts.
	ListExpiringBefore(ctx context.Context, ts time.Time) ([]Session, error)
	// List returns all stored sessions.
	List(ctx context.Context) ([]Session, error)
}

func statusIn(status Status, set []Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
