package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stream-matchmaker/stream-matchmaker/internal/contracts"
	"github.com/stream-matchmaker/stream-matchmaker/internal/registry"
	"github.com/stream-matchmaker/stream-matchmaker/internal/store"
)

var (
	// ErrAlreadyActiveSession rejects a placement for a user who still owns
	// a non-terminated session. Expected condition, not a fault.
	ErrAlreadyActiveSession = errors.New("user already has an active session")
	// ErrCapacityExhausted means no server had a free slot and provisioning
	// could not supply one in time. Callers should retry later.
	ErrCapacityExhausted = errors.New("render capacity exhausted")

	ErrForbidden = errors.New("forbidden")
)

// Publisher pushes placement events onto the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Policy holds the placement and lifetime knobs.
type Policy struct {
	MaxDuration      time.Duration
	IdleTimeout      time.Duration
	ProvisionTimeout time.Duration
	ReserveAttempts  int
}

// Engine places session requests onto render servers.
type Engine struct {
	registry    *registry.Registry
	store       store.Store
	provisioner Provisioner
	publisher   Publisher
	logger      zerolog.Logger
	policy      Policy

	now   func() time.Time
	newID func() (string, error)
}

// Assignment is the outcome of a successful placement.
type Assignment struct {
	Session    store.Session `json:"session"`
	ServerAddr string        `json:"server_addr,omitempty"`
}

func NewEngine(reg *registry.Registry, sessions store.Store, provisioner Provisioner, publisher Publisher, logger zerolog.Logger, policy Policy) *Engine {
	if policy.ReserveAttempts <= 0 {
		policy.ReserveAttempts = 3
	}
	return &Engine{
		registry:    reg,
		store:       sessions,
		provisioner: provisioner,
		publisher:   publisher,
		logger:      logger,
		policy:      policy,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       newUUID,
	}
}

// PlaceSession reserves a capacity slot for the user, persists the session
// record and activates it. When the fleet is saturated it asks the
// provisioner for a new server, bounded by the provisioning timeout.
func (e *Engine) PlaceSession(ctx context.Context, userID, correlationID string) (Assignment, error) {
	if userID == "" {
		return Assignment{}, errors.New("user id is required")
	}

	existing, err := e.store.GetByUser(ctx, userID)
	if err == nil && !existing.Terminal() {
		return Assignment{}, ErrAlreadyActiveSession
	}
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return Assignment{}, err
	}

	server, reserved, err := e.reserve(ctx)
	if err != nil {
		return Assignment{}, err
	}
	if !reserved {
		server, err = e.provision(ctx, correlationID)
		if err != nil {
			return Assignment{}, err
		}
	}

	return e.commit(ctx, userID, server, correlationID)
}

// reserve walks the candidate servers least-loaded first, retrying for a
// bounded number of passes when concurrent placements win the slot race.
func (e *Engine) reserve(_ context.Context) (registry.Server, bool, error) {
	for attempt := 0; attempt < e.policy.ReserveAttempts; attempt++ {
		candidates := e.registry.Candidates()
		if len(candidates) == 0 {
			return registry.Server{}, false, nil
		}
		for _, candidate := range candidates {
			ok, err := e.registry.TryReserve(candidate.ID)
			if errors.Is(err, registry.ErrUnknownServer) {
				continue
			}
			if err != nil {
				return registry.Server{}, false, err
			}
			if ok {
				return candidate, true, nil
			}
			// Lost the slot race; fall through to the next candidate.
		}
	}
	return registry.Server{}, false, nil
}

// provision asks the collaborator for a fresh server and reserves a slot on
// it. The reservation for the caller is taken immediately after
// registration, before anything else can block.
func (e *Engine) provision(ctx context.Context, correlationID string) (registry.Server, error) {
	if e.provisioner == nil {
		return registry.Server{}, fmt.Errorf("%w: no provisioner configured", ErrCapacityExhausted)
	}

	provisionCtx, cancel := context.WithTimeout(ctx, e.policy.ProvisionTimeout)
	defer cancel()

	e.publishProvisionRequested(correlationID)
	provisioned, err := e.provisioner.RequestServer(provisionCtx)
	if err != nil {
		return registry.Server{}, fmt.Errorf("%w: %s", ErrCapacityExhausted, err)
	}

	if err := e.registry.Register(provisioned.ID, provisioned.MaxCapacity, provisioned.Addr); err != nil && !errors.Is(err, registry.ErrDuplicateServer) {
		return registry.Server{}, err
	}
	ok, err := e.registry.TryReserve(provisioned.ID)
	if err != nil {
		return registry.Server{}, err
	}
	if !ok {
		// Another waiter drained the new server already.
		return registry.Server{}, ErrCapacityExhausted
	}

	server, err := e.registry.Lookup(provisioned.ID)
	if err != nil {
		return registry.Server{}, err
	}
	return server, nil
}

// commit persists and activates the session. The reservation taken by the
// caller is released on every failure path, including context cancellation
// while awaiting store durability.
func (e *Engine) commit(ctx context.Context, userID string, server registry.Server, correlationID string) (Assignment, error) {
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := e.registry.Release(server.ID); err != nil {
			e.logger.Error().Err(err).Str("server_id", server.ID).Msg("rollback release failed")
		}
	}

	sessionID, err := e.newID()
	if err != nil {
		release()
		return Assignment{}, err
	}

	now := e.now()
	session := store.Session{
		ID:           sessionID,
		UserID:       userID,
		ServerID:     server.ID,
		Status:       store.StatusPending,
		CreatedAt:    now,
		LastActivity: now,
		Deadline:     e.deadlineFrom(now, now),
	}

	if err := e.store.Put(ctx, session); err != nil {
		release()
		if errors.Is(err, store.ErrUserHasSession) {
			return Assignment{}, ErrAlreadyActiveSession
		}
		return Assignment{}, err
	}

	activated, ok, err := e.store.Transition(ctx, sessionID, []store.Status{store.StatusPending}, store.StatusActive, session.Deadline)
	if err != nil || !ok {
		release()
		if removeErr := e.store.Remove(ctx, sessionID); removeErr != nil && !errors.Is(removeErr, store.ErrSessionNotFound) {
			e.logger.Error().Err(removeErr).Str("session_id", sessionID).Msg("rollback remove failed")
		}
		if err != nil {
			return Assignment{}, err
		}
		return Assignment{}, fmt.Errorf("session %s no longer pending", sessionID)
	}

	e.publishPlaced(correlationID, activated, server.Addr)
	return Assignment{Session: activated, ServerAddr: server.Addr}, nil
}

// Get returns the session, restricted to its owner.
func (e *Engine) Get(ctx context.Context, sessionID, userID string) (store.Session, error) {
	session, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if session.UserID != userID {
		return store.Session{}, ErrForbidden
	}
	return session, nil
}

// Touch records client activity, pushing the idle deadline forward.
func (e *Engine) Touch(ctx context.Context, sessionID, userID string) error {
	session, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return ErrForbidden
	}
	now := e.now()
	return e.store.Touch(ctx, sessionID, now, e.deadlineFrom(session.CreatedAt, now))
}

// deadlineFrom is the earlier of the hard max-duration cutoff and the
// sliding idle cutoff.
func (e *Engine) deadlineFrom(createdAt, lastActivity time.Time) time.Time {
	hard := createdAt.Add(e.policy.MaxDuration)
	idle := lastActivity.Add(e.policy.IdleTimeout)
	if idle.Before(hard) {
		return idle
	}
	return hard
}

func (e *Engine) publishPlaced(correlationID string, session store.Session, serverAddr string) {
	if e.publisher == nil {
		return
	}
	eventID, err := e.newID()
	if err != nil {
		return
	}
	if correlationID == "" {
		correlationID = eventID
	}
	payload := contracts.SessionPlacedV1{SessionID: session.ID, ServerID: session.ServerID, ServerAddr: serverAddr}
	raw, err := contracts.MarshalV1(eventID, contracts.EventSessionPlaced, e.now(), correlationID, &session.UserID, payload)
	if err != nil {
		return
	}
	if err := e.publisher.Publish(contracts.SubjectSessionPlaced, raw); err != nil {
		e.logger.Warn().Err(err).Str("session_id", session.ID).Msg("publish session.placed failed")
	}
}

func (e *Engine) publishProvisionRequested(correlationID string) {
	if e.publisher == nil {
		return
	}
	eventID, err := e.newID()
	if err != nil {
		return
	}
	if correlationID == "" {
		correlationID = eventID
	}
	raw, err := contracts.MarshalV1(eventID, contracts.EventProvisionRequested, e.now(), correlationID, nil, contracts.ProvisionRequestedV1{CorrelationID: correlationID})
	if err != nil {
		return
	}
	_ = e.publisher.Publish(contracts.SubjectProvisionRequested, raw)
}
