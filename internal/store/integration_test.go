//go:build integration

package store_test

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stream-matchmaker/stream-matchmaker/internal/itest"
	"github.com/stream-matchmaker/stream-matchmaker/internal/store"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    user_id       TEXT        NOT NULL,
    server_id     TEXT        NOT NULL,
    status        TEXT        NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL,
    deadline      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_active_user_idx
    ON sessions (user_id)
    WHERE status <> 'terminated';
CREATE INDEX IF NOT EXISTS sessions_deadline_idx ON sessions (deadline)`

func integrationSession(id, userID string, at time.Time) store.Session {
	return store.Session{
		ID:           id,
		UserID:       userID,
		ServerID:     "srv-1",
		Status:       store.StatusActive,
		CreatedAt:    at,
		LastActivity: at,
		Deadline:     at.Add(10 * time.Minute),
	}
}

// exerciseStore runs the backend-independent contract against a live store.
func exerciseStore(t *testing.T, s store.Store) {
	t.Helper()
	ctx, cancel := itest.WaitContext()
	defer cancel()
	base := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.Put(ctx, integrationSession("s-1", "u-1", base)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, integrationSession("s-2", "u-1", base)); !errors.Is(err, store.ErrUserHasSession) {
		t.Fatalf("expected ErrUserHasSession, got %v", err)
	}

	got, err := s.GetByUser(ctx, "u-1")
	if err != nil || got.ID != "s-1" {
		t.Fatalf("get by user: %+v err=%v", got, err)
	}

	// Lost CAS: wrong source status.
	if _, won, err := s.Transition(ctx, "s-1", []store.Status{store.StatusExpiring}, store.StatusTerminated, got.Deadline); err != nil || won {
		t.Fatalf("expected lost transition, won=%v err=%v", won, err)
	}
	// Won CAS moves the session into the grace window.
	graceDeadline := base.Add(15 * time.Minute)
	updated, won, err := s.Transition(ctx, "s-1", []store.Status{store.StatusActive}, store.StatusExpiring, graceDeadline)
	if err != nil || !won {
		t.Fatalf("expected won transition, won=%v err=%v", won, err)
	}
	if updated.Status != store.StatusExpiring || !updated.Deadline.Equal(graceDeadline) {
		t.Fatalf("unexpected transitioned session %+v", updated)
	}

	due, err := s.ListExpiringBefore(ctx, graceDeadline)
	if err != nil || len(due) != 1 || due[0].ID != "s-1" {
		t.Fatalf("expected s-1 due, got %+v err=%v", due, err)
	}

	if err := s.Remove(ctx, "s-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Get(ctx, "s-1"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	// A new session for the user is admitted once the old one is gone.
	if err := s.Put(ctx, integrationSession("s-3", "u-1", base.Add(time.Minute))); err != nil {
		t.Fatalf("put after remove: %v", err)
	}
}

func TestPostgresStoreIntegration(t *testing.T) {
	h := itest.Start(t)
	itest.RunSQL(t, h.PostgresURL, sessionsSchema)

	db, err := sql.Open("pgx", h.PostgresURL)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	exerciseStore(t, store.NewPostgresStore(db))
}

func TestRedisStoreIntegration(t *testing.T) {
	h := itest.Start(t)
	client := itest.Redis(t, h.RedisAddr)

	exerciseStore(t, store.NewRedisStore(client, time.Hour))
}
