package store

import (
	"context"
	"database/sql"
	"encoding/json"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/pkg/errors"
)

// SQLiteStore is a Store backed by a SQLite database. The connection is
// opened in WAL mode and the schema is migrated on construction.
//
// Session and comparison payloads are stored as JSON documents; the
// columns queried by the service (scope key, status, ledger order) are
// promoted to real columns with indexes.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	scope_key    TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_scope ON sessions(scope_key, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_scope ON sessions(scope_key)
	WHERE status NOT IN ('completed', 'rejected');

CREATE TABLE IF NOT EXISTS comparisons (
	session_id   TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	payload      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resolutions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resolutions_session ON resolutions(session_id, seq);
`

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.StorageCommitError("open database", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.StorageCommitError("migrate schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreateSession implements Store. The partial unique index on scope_key
// makes the one-active-session-per-scope invariant hold even across
// processes sharing the database file; a second insert for a held scope
// fails the constraint and is reported as a scope conflict.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return errors.InternalError("encode session", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, scope_key, status, started_at, payload) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Scope.Key(), string(session.Status), session.StartedAt.UTC(), payload)
	if isUniqueViolation(err) && session.Status != models.StatusCompleted && session.Status != models.StatusRejected {
		activeID := ""
		if active, lookupErr := s.ActiveSessionForScope(ctx, session.Scope.Key()); lookupErr == nil && active != nil && active.ID != session.ID {
			activeID = active.ID
		}
		if activeID != "" {
			return errors.ScopeConflictError(session.Scope.PropertyID, session.Scope.PeriodID, activeID)
		}
	}
	if err != nil {
		return errors.StorageCommitError("create session", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	sqliteErr, ok := err.(sqlite3.Error)
	return ok && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// GetSession implements Store.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.SessionNotFound(id)
	}
	if err != nil {
		return nil, errors.StorageCommitError("get session", err)
	}
	return decodeSession(payload)
}

// UpdateSession implements Store.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *models.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return errors.InternalError("encode session", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET scope_key = ?, status = ?, payload = ? WHERE id = ?`,
		session.Scope.Key(), string(session.Status), payload, session.ID)
	if err != nil {
		return errors.StorageCommitError("update session", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.StorageCommitError("update session", err)
	}
	if affected == 0 {
		return errors.SessionNotFound(session.ID)
	}
	return nil
}

// ListSessions implements Store.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM sessions ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, errors.StorageCommitError("list sessions", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.StorageCommitError("list sessions", err)
		}
		session, err := decodeSession(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageCommitError("list sessions", err)
	}
	return out, nil
}

// ActiveSessionForScope implements Store.
func (s *SQLiteStore) ActiveSessionForScope(ctx context.Context, scopeKey string) (*models.Session, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions
		 WHERE scope_key = ? AND status NOT IN (?, ?)
		 ORDER BY started_at LIMIT 1`,
		scopeKey, string(models.StatusCompleted), string(models.StatusRejected)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageCommitError("query active session", err)
	}
	return decodeSession(payload)
}

// PutComparison implements Store.
func (s *SQLiteStore) PutComparison(ctx context.Context, sessionID string, comparison *Comparison) error {
	payload, err := json.Marshal(comparison)
	if err != nil {
		return errors.InternalError("encode comparison", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO comparisons (session_id, payload) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET payload = excluded.payload`,
		sessionID, payload)
	if err != nil {
		return errors.StorageCommitError("put comparison", err)
	}
	return nil
}

// GetComparison implements Store.
func (s *SQLiteStore) GetComparison(ctx context.Context, sessionID string) (*Comparison, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM comparisons WHERE session_id = ?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("comparison", sessionID)
	}
	if err != nil {
		return nil, errors.StorageCommitError("get comparison", err)
	}
	var comparison Comparison
	if err := json.Unmarshal(payload, &comparison); err != nil {
		return nil, errors.InternalError("decode comparison", err)
	}
	return &comparison, nil
}

// AppendResolutions implements Store. The ledger append and the
// discrepancy status updates share one transaction.
func (s *SQLiteStore) AppendResolutions(ctx context.Context, sessionID string, resolutions []*models.Resolution, updated []*models.Discrepancy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageCommitError("begin resolution transaction", err)
	}
	defer tx.Rollback()

	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM comparisons WHERE session_id = ?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return errors.NotFoundError("comparison", sessionID)
	}
	if err != nil {
		return errors.StorageCommitError("load comparison", err)
	}
	var comparison Comparison
	if err := json.Unmarshal(payload, &comparison); err != nil {
		return errors.InternalError("decode comparison", err)
	}

	byID := make(map[string]*models.Discrepancy, len(comparison.Discrepancies))
	for _, d := range comparison.Discrepancies {
		byID[d.ID] = d
	}
	for _, d := range updated {
		existing, ok := byID[d.ID]
		if !ok {
			return errors.NotFoundError("discrepancy", d.ID)
		}
		*existing = *d
	}

	encoded, err := json.Marshal(&comparison)
	if err != nil {
		return errors.InternalError("encode comparison", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE comparisons SET payload = ? WHERE session_id = ?`, encoded, sessionID); err != nil {
		return errors.StorageCommitError("update comparison", err)
	}

	for _, r := range resolutions {
		entry, err := json.Marshal(r)
		if err != nil {
			return errors.InternalError("encode resolution", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resolutions (id, session_id, payload) VALUES (?, ?, ?)`,
			r.ID, sessionID, entry); err != nil {
			return errors.StorageCommitError("append resolution", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageCommitError("commit resolutions", err)
	}
	return nil
}

// ListResolutions implements Store.
func (s *SQLiteStore) ListResolutions(ctx context.Context, sessionID string) ([]*models.Resolution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM resolutions WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, errors.StorageCommitError("list resolutions", err)
	}
	defer rows.Close()

	var out []*models.Resolution
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.StorageCommitError("list resolutions", err)
		}
		var resolution models.Resolution
		if err := json.Unmarshal(payload, &resolution); err != nil {
			return nil, errors.InternalError("decode resolution", err)
		}
		out = append(out, &resolution)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageCommitError("list resolutions", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeSession(payload []byte) (*models.Session, error) {
	var session models.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, errors.InternalError("decode session", err)
	}
	return &session, nil
}
