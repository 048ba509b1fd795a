package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stream-matchmaker/stream-matchmaker/internal/contracts"
	"github.com/stream-matchmaker/stream-matchmaker/internal/registry"
	"github.com/stream-matchmaker/stream-matchmaker/internal/store"
)

// Publisher pushes lifecycle events onto the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Policy holds the session lifetime knobs enforced by the sweep.
type Policy struct {
	MaxDuration     time.Duration
	IdleTimeout     time.Duration
	Grace           time.Duration
	HeartbeatMaxAge time.Duration
}

// Supervisor drives the session state machine:
// Pending → Active → Expiring → Terminated. Capacity release is bound to
// winning the terminal transition, so it happens exactly once per session;
// removal comes strictly after release so a failed removal is retried on the
// next sweep without releasing again.
type Supervisor struct {
	store     store.Store
	registry  *registry.Registry
	publisher Publisher
	logger    zerolog.Logger
	policy    Policy

	now   func() time.Time
	newID func() (string, error)
}

func New(sessions store.Store, reg *registry.Registry, publisher Publisher, logger zerolog.Logger, policy Policy) *Supervisor {
	return &Supervisor{
		store:     sessions,
		registry:  reg,
		publisher: publisher,
		logger:    logger,
		policy:    policy,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newUUID,
	}
}

// Run executes the sweep at a fixed interval until the context is canceled.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// SweepOnce performs a single pass: flag stale servers, tear down their
// sessions, then advance every session past its deadline.
func (s *Supervisor) SweepOnce(ctx context.Context) error {
	now := s.now()

	for _, server := range s.registry.MarkStale(s.policy.HeartbeatMaxAge) {
		s.logger.Warn().Str("server_id", server.ID).Time("last_seen", server.LastSeen).Msg("server heartbeats stopped, marking unreachable")
		s.publishServerUnreachable(server.ID)
		if err := s.terminateSessionsOn(ctx, server.ID); err != nil {
			return err
		}
	}

	due, err := s.store.ListExpiringBefore(ctx, now)
	if err != nil {
		return err
	}

	for _, session := range due {
		switch session.Status {
		case store.StatusPending, store.StatusActive:
			s.beginExpiry(ctx, session, now)
		case store.StatusExpiring:
			if err := s.finalize(ctx, session, "expired"); err != nil {
				s.logger.Error().Err(err).Str("session_id", session.ID).Msg("finalize failed")
			}
		case store.StatusTerminated:
			// Release already happened when the terminal transition was won;
			// only the removal is retried here.
			if err := s.store.Remove(ctx, session.ID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
				s.logger.Error().Err(err).Str("session_id", session.ID).Msg("remove retry failed")
			}
		}
	}
	return nil
}

// Terminate short-circuits a session straight to Terminated, e.g. on user
// disconnect. Safe to race with the sweep: only one caller wins the terminal
// transition and performs the release.
func (s *Supervisor) Terminate(ctx context.Context, sessionID, reason string) (store.Session, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if session.Terminal() {
		return session, nil
	}
	if err := s.finalize(ctx, session, reason); err != nil {
		return store.Session{}, err
	}
	session.Status = store.StatusTerminated
	return session, nil
}

// beginExpiry moves a running session into the grace window.
func (s *Supervisor) beginExpiry(ctx context.Context, session store.Session, now time.Time) {
	updated, won, err := s.store.Transition(ctx, session.ID,
		[]store.Status{store.StatusPending, store.StatusActive},
		store.StatusExpiring, now.Add(s.policy.Grace))
	if err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("expiry transition failed")
		}
		return
	}
	if !won {
		return
	}
	reason := s.expiryReason(session, now)
	s.logger.Info().
		Str("session_id", updated.ID).
		Str("server_id", updated.ServerID).
		Str("reason", reason).
		Msg("session expiring")
	s.publishSessionEvent(contracts.EventSessionExpiring, contracts.SubjectSessionExpiring, updated, reason)
}

// finalize wins the terminal transition, releases the capacity slot and then
// removes the record, in that order.
func (s *Supervisor) finalize(ctx context.Context, session store.Session, reason string) error {
	terminated, won, err := s.store.Transition(ctx, session.ID,
		[]store.Status{store.StatusPending, store.StatusActive, store.StatusExpiring},
		store.StatusTerminated, session.Deadline)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if !won {
		// Someone else terminated it; they own the release.
		return nil
	}

	if err := s.registry.Release(terminated.ServerID); err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownServer):
			s.logger.Warn().Str("server_id", terminated.ServerID).Msg("released slot on unregistered server")
		case errors.Is(err, registry.ErrReleaseUnderflow):
			s.logger.Error().Str("server_id", terminated.ServerID).Str("session_id", terminated.ID).Msg("release underflow, load clamped")
		default:
			return err
		}
	}

	if err := s.store.Remove(ctx, terminated.ID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		// The record stays Terminated; the next sweep retries the removal
		// without touching capacity again.
		s.logger.Error().Err(err).Str("session_id", terminated.ID).Msg("remove after release failed, will retry")
	}

	s.logger.Info().
		Str("session_id", terminated.ID).
		Str("server_id", terminated.ServerID).
		Str("reason", reason).
		Msg("session terminated")
	s.publishSessionEvent(contracts.EventSessionTerminated, contracts.SubjectSessionTerminated, terminated, reason)
	return nil
}

func (s *Supervisor) terminateSessionsOn(ctx context.Context, serverID string) error {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if session.ServerID != serverID || session.Terminal() {
			continue
		}
		if err := s.finalize(ctx, session, "server_unreachable"); err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("unreachable teardown failed")
		}
	}
	return nil
}

func (s *Supervisor) expiryReason(session store.Session, now time.Time) string {
	if now.Sub(session.CreatedAt) >= s.policy.MaxDuration {
		return "max_duration"
	}
	return "idle_timeout"
}

func (s *Supervisor) publishSessionEvent(eventType contracts.EventType, subject string, session store.Session, reason string) {
	if s.publisher == nil {
		return
	}
	eventID, err := s.newID()
	if err != nil {
		return
	}
	var raw []byte
	switch eventType {
	case contracts.EventSessionExpiring:
		raw, err = contracts.MarshalV1(eventID, eventType, s.now(), eventID, &session.UserID,
			contracts.SessionExpiringV1{SessionID: session.ID, ServerID: session.ServerID, Reason: reason})
	default:
		raw, err = contracts.MarshalV1(eventID, eventType, s.now(), eventID, &session.UserID,
			contracts.SessionTerminatedV1{SessionID: session.ID, ServerID: session.ServerID, Reason: reason})
	}
	if err != nil {
		return
	}
	if err := s.publisher.Publish(subject, raw); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("publish lifecycle event failed")
	}
}

func (s *Supervisor) publishServerUnreachable(serverID string) {
	if s.publisher == nil {
		return
	}
	eventID, err := s.newID()
	if err != nil {
		return
	}
	raw, err := contracts.MarshalV1(eventID, contracts.EventServerUnreachable, s.now(), eventID, nil,
		contracts.ServerUnreachableV1{ServerID: serverID})
	if err != nil {
		return
	}
	_ = s.publisher.Publish(contracts.SubjectServerUnreachable, raw)
}
