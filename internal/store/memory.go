package store

import (
	"context"
	"sort"
	"sync"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/pkg/errors"
)

// MemoryStore is an in-memory Store for tests and one-shot CLI runs.
// All reads return deep copies so callers cannot mutate stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	comparisons map[string]*Comparison
	resolutions map[string][]*models.Resolution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*models.Session),
		comparisons: make(map[string]*Comparison),
		resolutions: make(map[string][]*models.Resolution),
	}
}

// CreateSession implements Store. The scope check and the insert happen
// under one lock, so two concurrent creates for the same scope cannot
// both succeed.
func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return errors.InternalError("create session", nil).WithContext("session_id", session.ID)
	}
	scopeKey := session.Scope.Key()
	for _, existing := range s.sessions {
		if !existing.Status.IsTerminal() && existing.Scope.Key() == scopeKey {
			return errors.ScopeConflictError(session.Scope.PropertyID, session.Scope.PeriodID, existing.ID)
		}
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

// GetSession implements Store.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return copySession(session), nil
}

// UpdateSession implements Store.
func (s *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return errors.SessionNotFound(session.ID)
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

// ListSessions implements Store.
func (s *MemoryStore) ListSessions(_ context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, copySession(session))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// ActiveSessionForScope implements Store.
func (s *MemoryStore) ActiveSessionForScope(_ context.Context, scopeKey string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active *models.Session
	for _, session := range s.sessions {
		if session.Status.IsTerminal() || session.Scope.Key() != scopeKey {
			continue
		}
		if active == nil || session.StartedAt.Before(active.StartedAt) {
			active = session
		}
	}
	if active == nil {
		return nil, nil
	}
	return copySession(active), nil
}

// PutComparison implements Store.
func (s *MemoryStore) PutComparison(_ context.Context, sessionID string, comparison *Comparison) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return errors.SessionNotFound(sessionID)
	}
	s.comparisons[sessionID] = copyComparison(comparison)
	return nil
}

// GetComparison implements Store.
func (s *MemoryStore) GetComparison(_ context.Context, sessionID string) (*Comparison, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	comparison, ok := s.comparisons[sessionID]
	if !ok {
		return nil, errors.NotFoundError("comparison", sessionID)
	}
	return copyComparison(comparison), nil
}

// AppendResolutions implements Store. The mutex makes the append and the
// discrepancy updates a single atomic step.
func (s *MemoryStore) AppendResolutions(_ context.Context, sessionID string, resolutions []*models.Resolution, updated []*models.Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	comparison, ok := s.comparisons[sessionID]
	if !ok {
		return errors.NotFoundError("comparison", sessionID)
	}

	byID := make(map[string]*models.Discrepancy, len(comparison.Discrepancies))
	for _, d := range comparison.Discrepancies {
		byID[d.ID] = d
	}
	for _, d := range updated {
		if _, ok := byID[d.ID]; !ok {
			return errors.NotFoundError("discrepancy", d.ID)
		}
	}

	for _, d := range updated {
		*byID[d.ID] = *d
	}
	for _, r := range resolutions {
		entry := *r
		s.resolutions[sessionID] = append(s.resolutions[sessionID], &entry)
	}
	return nil
}

// ListResolutions implements Store.
func (s *MemoryStore) ListResolutions(_ context.Context, sessionID string) ([]*models.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.resolutions[sessionID]
	out := make([]*models.Resolution, len(entries))
	for i, r := range entries {
		entry := *r
		out[i] = &entry
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func copySession(session *models.Session) *models.Session {
	c := *session
	c.Scope.DocumentTypes = append([]models.DocumentType(nil), session.Scope.DocumentTypes...)
	if session.CompletedAt != nil {
		t := *session.CompletedAt
		c.CompletedAt = &t
	}
	c.Summary = copySummary(session.Summary)
	return &c
}

func copySummary(summary models.ReconciliationSummary) models.ReconciliationSummary {
	c := summary
	c.MatchesByType = make(map[models.MatchType]int, len(summary.MatchesByType))
	for k, v := range summary.MatchesByType {
		c.MatchesByType[k] = v
	}
	c.DiscrepanciesByType = make(map[models.DifferenceType]int, len(summary.DiscrepanciesByType))
	for k, v := range summary.DiscrepanciesByType {
		c.DiscrepanciesByType[k] = v
	}
	c.BySeverity = make(map[models.Severity]int, len(summary.BySeverity))
	for k, v := range summary.BySeverity {
		c.BySeverity[k] = v
	}
	c.ByResolutionStatus = make(map[models.ResolutionStatus]int, len(summary.ByResolutionStatus))
	for k, v := range summary.ByResolutionStatus {
		c.ByResolutionStatus[k] = v
	}
	c.SkippedRules = append([]string(nil), summary.SkippedRules...)
	return c
}

func copyComparison(comparison *Comparison) *Comparison {
	c := &Comparison{}
	for _, r := range comparison.SourceRecords {
		record := *r
		c.SourceRecords = append(c.SourceRecords, &record)
	}
	for _, r := range comparison.TargetRecords {
		record := *r
		c.TargetRecords = append(c.TargetRecords, &record)
	}
	for _, candidate := range comparison.Candidates {
		cc := *candidate
		cc.Reasons = append([]string(nil), candidate.Reasons...)
		c.Candidates = append(c.Candidates, &cc)
	}
	for _, d := range comparison.Discrepancies {
		dd := *d
		c.Discrepancies = append(c.Discrepancies, &dd)
	}
	return c
}
