// Package store persists reconciliation sessions, their comparison data,
// and the append-only resolution ledger.
//
// Two implementations are provided: an in-memory store for tests and
// one-shot CLI runs, and a SQLite store for the HTTP server. Both honor
// the same atomicity contract: AppendResolutions applies the resolutions
// and the matching discrepancy status updates together or not at all.
package store

import (
	"context"

	"github.com/propfin/reconciliation-engine/internal/models"
)

// Comparison is the full generated state of a session: the normalized
// records on both sides, the match candidates, and the classified
// discrepancies.
type Comparison struct {
	SourceRecords []*models.FinancialRecord `json:"source_records"`
	TargetRecords []*models.FinancialRecord `json:"target_records"`
	Candidates    []*models.MatchCandidate  `json:"candidates"`
	Discrepancies []*models.Discrepancy     `json:"discrepancies"`
}

// Store is the persistence interface for the reconciliation service.
//
// Commit failures are reported as transient storage errors so callers can
// retry; missing entities are reported as not-found errors.
type Store interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, session *models.Session) error
	// GetSession returns the session with the given id.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// UpdateSession overwrites an existing session.
	UpdateSession(ctx context.Context, session *models.Session) error
	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]*models.Session, error)
	// ActiveSessionForScope returns the non-terminal session holding the
	// scope key, or nil when the scope is free.
	ActiveSessionForScope(ctx context.Context, scopeKey string) (*models.Session, error)

	// PutComparison stores the generated comparison for a session,
	// replacing any previous one.
	PutComparison(ctx context.Context, sessionID string, comparison *Comparison) error
	// GetComparison returns the stored comparison for a session.
	GetComparison(ctx context.Context, sessionID string) (*Comparison, error)

	// AppendResolutions atomically appends ledger entries and applies the
	// corresponding discrepancy status updates. On error nothing is
	// persisted.
	AppendResolutions(ctx context.Context, sessionID string, resolutions []*models.Resolution, updated []*models.Discrepancy) error
	// ListResolutions returns the resolution ledger for a session in
	// append order.
	ListResolutions(ctx context.Context, sessionID string) ([]*models.Resolution, error)

	// Close releases any underlying resources.
	Close() error
}
