package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore is the durable backend. A partial unique index on user_id
// (non-terminated rows only) backstops the one-session-per-user invariant,
// and status transitions are single conditional UPDATEs.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, user_id, server_id, status, created_at, last_activity, deadline`

func (p *PostgresStore) Put(ctx context.Context, session Session) error {
	const q = `
		INSERT INTO sessions (id, user_id, server_id, status, created_at, last_activity, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.db.ExecContext(ctx, q,
		session.ID, session.UserID, session.ServerID, string(session.Status),
		session.CreatedAt, session.LastActivity, session.Deadline)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrUserHasSession
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, sessionID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return p.scanSession(p.db.QueryRowContext(ctx, q, sessionID))
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + `
		FROM sessions WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 1`
	return p.scanSession(p.db.QueryRowContext(ctx, q, userID))
}

func (p *PostgresStore) Remove(ctx context.Context, sessionID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) Transition(ctx context.Context, sessionID string, from []Status, to Status, deadline time.Time) (Session, bool, error) {
	const q = `
		UPDATE sessions SET status = $2, deadline = $3
		WHERE id = $1 AND status = ANY($4::text[])
		RETURNING ` + sessionColumns
	session, err := p.scanSession(p.db.QueryRowContext(ctx, q, sessionID, string(to), deadline, statusArray(from)))
	if err == nil {
		return session, true, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, false, err
	}
	// No row matched: either the session is gone or the status check lost.
	current, err := p.Get(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}
	return current, false, nil
}

func (p *PostgresStore) Touch(ctx context.Context, sessionID string, at, deadline time.Time) error {
	const q = `
		UPDATE sessions SET last_activity = $2, deadline = $3
		WHERE id = $1 AND status = 'active'`
	res, err := p.db.ExecContext(ctx, q, sessionID, at, deadline)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	// Distinguish a missing session from a non-active one.
	if _, err := p.Get(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

func (p *PostgresStore) ListExpiringBefore(ctx context.Context, ts time.Time) ([]Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE deadline <= $1 ORDER BY deadline`
	return p.querySessions(ctx, q, ts)
}

func (p *PostgresStore) List(ctx context.Context) ([]Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions ORDER BY deadline`
	return p.querySessions(ctx, q)
}

func (p *PostgresStore) querySessions(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		var status string
		if err := rows.Scan(&session.ID, &session.UserID, &session.ServerID, &status,
			&session.CreatedAt, &session.LastActivity, &session.Deadline); err != nil {
			return nil, err
		}
		session.Status = Status(status)
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanSession(row rowScanner) (Session, error) {
	var session Session
	var status string
	err := row.Scan(&session.ID, &session.UserID, &session.ServerID, &status,
		&session.CreatedAt, &session.LastActivity, &session.Deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	session.Status = Status(status)
	return session, nil
}

func statusArray(statuses []Status) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
