// Package session orchestrates the reconciliation lifecycle: scope
// locking, match generation, discrepancy review, the resolution ledger,
// and session completion.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/propfin/reconciliation-engine/internal/classifier"
	"github.com/propfin/reconciliation-engine/internal/matcher"
	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/reporter"
	"github.com/propfin/reconciliation-engine/internal/rules"
	"github.com/propfin/reconciliation-engine/internal/store"
	"github.com/propfin/reconciliation-engine/pkg/errors"
	"github.com/propfin/reconciliation-engine/pkg/logger"
)

// Commit retry policy for transient storage failures.
const (
	commitAttempts = 3
	commitBackoff  = 50 * time.Millisecond
)

// Service coordinates sessions over a Store. Scope conflicts are decided
// against persisted state, so two Service instances sharing a database
// agree on which scopes are held.
type Service struct {
	store      store.Store
	catalog    *rules.RuleSet
	config     *matcher.Config
	history    matcher.HistoryProvider
	classifier *classifier.Classifier
	log        logger.Logger
}

// NewService creates a Service. A nil catalog uses the built-in rule set;
// a nil config uses defaults.
func NewService(st store.Store, catalog *rules.RuleSet, config *matcher.Config, history matcher.HistoryProvider, log logger.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.ConfigurationError("store", nil, fmt.Errorf("store is required"))
	}
	if catalog == nil {
		catalog = rules.DefaultRuleSet()
	}
	if config == nil {
		config = matcher.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{
		store:      st,
		catalog:    catalog,
		config:     config,
		history:    history,
		classifier: classifier.NewClassifier(),
		log:        log.WithComponent("session"),
	}, nil
}

// StartRequest carries everything needed to open a session. Records are
// already normalized; Dropped counts the rows normalization rejected.
type StartRequest struct {
	Scope      models.Scope
	OperatorID string
	Source     []*models.FinancialRecord
	Target     []*models.FinancialRecord
	Dropped    int
}

// StartSession opens a session for the scope, runs the four matching
// passes, classifies discrepancies, and leaves the session under review.
// A scope already held by a non-terminal session is rejected; terminal
// sessions never block a re-run.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*models.Session, *store.Comparison, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, nil, errors.ValidationError(errors.CodeInvalidRecord, "scope", req.Scope.Key(), err)
	}

	active, err := s.store.ActiveSessionForScope(ctx, req.Scope.Key())
	if err != nil {
		return nil, nil, err
	}
	if active != nil {
		return nil, nil, errors.ScopeConflictError(req.Scope.PropertyID, req.Scope.PeriodID, active.ID)
	}

	session := &models.Session{
		ID:         uuid.NewString(),
		Scope:      req.Scope,
		Status:     models.StatusCreated,
		Summary:    models.NewReconciliationSummary(),
		OperatorID: req.OperatorID,
		StartedAt:  time.Now().UTC(),
	}
	if err := s.commitWithRetry(ctx, "create session", func() error {
		return s.store.CreateSession(ctx, session)
	}); err != nil {
		return nil, nil, err
	}

	log := s.log.WithField("session_id", session.ID)
	log.WithFields(map[string]interface{}{
		"scope":   req.Scope.Key(),
		"sources": len(req.Source),
		"targets": len(req.Target),
	}).Info("Session created, generating matches")

	comparison, err := s.review(ctx, session, req)
	if err != nil {
		s.abandon(ctx, session)
		return nil, nil, err
	}
	return session, comparison, nil
}

// review runs matching and classification and leaves the session under
// review with its comparison persisted.
func (s *Service) review(ctx context.Context, session *models.Session, req StartRequest) (*store.Comparison, error) {
	result, err := s.generate(ctx, session, req)
	if err != nil {
		return nil, err
	}

	discrepancies := s.classifier.Classify(session.ID, result)
	comparison := &store.Comparison{
		SourceRecords: req.Source,
		TargetRecords: req.Target,
		Candidates:    result.Candidates,
		Discrepancies: discrepancies,
	}

	session.Summary = buildSummary(req, result, discrepancies)
	if err := s.transition(ctx, session, models.StatusUnderReview); err != nil {
		return nil, err
	}
	if err := s.commitWithRetry(ctx, "store comparison", func() error {
		return s.store.PutComparison(ctx, session.ID, comparison)
	}); err != nil {
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"session_id":    session.ID,
		"candidates":    len(result.Candidates),
		"discrepancies": len(discrepancies),
		"elapsed":       result.Elapsed.String(),
	}).Info("Session ready for review")
	return comparison, nil
}

// abandon force-releases the scope of a session whose matching run failed
// before reaching review. The pre-review states have no path to rejected
// in the state machine, so the terminal status is stamped directly; the
// write uses a detached context because the failure is usually the
// caller's cancellation.
func (s *Service) abandon(ctx context.Context, session *models.Session) {
	session.Status = models.StatusRejected
	now := time.Now().UTC()
	session.CompletedAt = &now
	if err := s.store.UpdateSession(context.WithoutCancel(ctx), session); err != nil {
		s.log.WithError(err).WithField("session_id", session.ID).
			Error("Failed to release scope of abandoned session")
	}
}

// generate runs the match engine and advances the session to
// matches_generated.
func (s *Service) generate(ctx context.Context, session *models.Session, req StartRequest) (*matcher.Result, error) {
	engine, err := matcher.NewEngine(s.config, s.history)
	if err != nil {
		return nil, err
	}
	result, err := engine.Run(ctx, req.Source, req.Target, s.catalog)
	if err != nil {
		return nil, err
	}
	for _, c := range result.Candidates {
		c.SessionID = session.ID
	}
	if err := s.advance(ctx, session, models.StatusMatchesGenerated); err != nil {
		return nil, err
	}
	return result, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListSessions returns all sessions, newest first.
func (s *Service) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return s.store.ListSessions(ctx)
}

// GetComparison returns a session with its generated comparison.
func (s *Service) GetComparison(ctx context.Context, sessionID string) (*models.Session, *store.Comparison, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	comparison, err := s.store.GetComparison(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, comparison, nil
}

// BuildReport assembles the exportable report for a session: the session
// itself, its comparison, and the full resolution ledger.
func (s *Service) BuildReport(ctx context.Context, sessionID string) (*reporter.Report, error) {
	sess, comparison, err := s.GetComparison(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resolutions, err := s.store.ListResolutions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return reporter.NewReport(sess, comparison, resolutions), nil
}

// ResolveRequest is an auditor's decision on one discrepancy.
type ResolveRequest struct {
	DiscrepancyID string
	Action        models.ResolutionAction
	NewValue      string
	Rationale     string
	Actor         string
}

// Resolve applies a single resolution. See BulkResolve for the semantics.
func (s *Service) Resolve(ctx context.Context, sessionID string, req ResolveRequest) (*models.Resolution, error) {
	resolutions, err := s.BulkResolve(ctx, sessionID, []ResolveRequest{req})
	if err != nil {
		return nil, err
	}
	return resolutions[0], nil
}

// BulkResolve applies a set of resolutions atomically: every request is
// validated against the stored discrepancies before anything is written,
// and an invalid entry aborts the whole batch naming the offending id.
// Each applied resolution appends an immutable ledger entry.
func (s *Service) BulkResolve(ctx context.Context, sessionID string, reqs []ResolveRequest) ([]*models.Resolution, error) {
	if len(reqs) == 0 {
		return nil, errors.ValidationError(errors.CodeMissingField, "resolutions", nil,
			fmt.Errorf("at least one resolution is required"))
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusUnderReview {
		return nil, errors.TransitionError(sessionID, string(session.Status), "resolve")
	}
	comparison, err := s.store.GetComparison(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Discrepancy, len(comparison.Discrepancies))
	for _, d := range comparison.Discrepancies {
		byID[d.ID] = d
	}

	now := time.Now().UTC()
	resolutions := make([]*models.Resolution, 0, len(reqs))
	updated := make([]*models.Discrepancy, 0, len(reqs))
	seen := make(map[string]bool, len(reqs))

	for _, req := range reqs {
		target, ok := byID[req.DiscrepancyID]
		if !ok {
			return nil, errors.NotFoundError("discrepancy", req.DiscrepancyID).
				WithContext("session_id", sessionID)
		}
		if seen[req.DiscrepancyID] {
			return nil, errors.ValidationError(errors.CodeInvalidRecord, "discrepancy_id", req.DiscrepancyID,
				fmt.Errorf("discrepancy resolved twice in one batch"))
		}
		seen[req.DiscrepancyID] = true

		resolution := &models.Resolution{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			TargetID:  req.DiscrepancyID,
			Action:    req.Action,
			OldValue:  target.AmountDifference.StringFixed(2),
			NewValue:  req.NewValue,
			Rationale: req.Rationale,
			Actor:     req.Actor,
			CreatedAt: now,
		}
		if err := resolution.Validate(); err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidRecord, "resolution", req.DiscrepancyID, err)
		}

		applied := *target
		applied.ResolutionStatus = req.Action.TargetStatus()
		resolutions = append(resolutions, resolution)
		updated = append(updated, &applied)
	}

	if err := s.commitWithRetry(ctx, "append resolutions", func() error {
		return s.store.AppendResolutions(ctx, sessionID, resolutions, updated)
	}); err != nil {
		return nil, err
	}

	session.Summary.ByResolutionStatus = resolutionCounts(comparison.Discrepancies, updated)
	if err := s.commitWithRetry(ctx, "update session summary", func() error {
		return s.store.UpdateSession(ctx, session)
	}); err != nil {
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"session_id":  sessionID,
		"resolutions": len(resolutions),
	}).Info("Resolutions applied")
	return resolutions, nil
}

// CompleteSession moves a session to completed. Completion is refused
// while any critical discrepancy is still pending; the error names every
// blocking discrepancy.
func (s *Service) CompleteSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	comparison, err := s.store.GetComparison(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var blocking []string
	for _, d := range comparison.Discrepancies {
		if d.Severity == models.SeverityCritical && d.ResolutionStatus == models.ResolutionPending {
			blocking = append(blocking, d.ID)
		}
	}
	if len(blocking) > 0 {
		return nil, errors.NewPendingCriticalError(sessionID, blocking)
	}

	if err := s.transition(ctx, session, models.StatusCompleted); err != nil {
		return nil, err
	}
	s.log.WithField("session_id", sessionID).Info("Session completed")
	return session, nil
}

// RejectSession abandons a session, releasing its scope.
func (s *Service) RejectSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, session, models.StatusRejected); err != nil {
		return nil, err
	}
	s.log.WithField("session_id", sessionID).Info("Session rejected")
	return session, nil
}

// advance moves the session to next without persisting terminal metadata.
func (s *Service) advance(ctx context.Context, session *models.Session, next models.SessionStatus) error {
	if !session.Status.CanTransition(next) {
		return errors.TransitionError(session.ID, string(session.Status), string(next))
	}
	session.Status = next
	return s.commitWithRetry(ctx, "advance session", func() error {
		return s.store.UpdateSession(ctx, session)
	})
}

// transition moves the session to next, stamping CompletedAt on terminal
// states.
func (s *Service) transition(ctx context.Context, session *models.Session, next models.SessionStatus) error {
	if !session.Status.CanTransition(next) {
		return errors.TransitionError(session.ID, string(session.Status), string(next))
	}
	session.Status = next
	if next.IsTerminal() {
		now := time.Now().UTC()
		session.CompletedAt = &now
	}
	return s.commitWithRetry(ctx, "transition session", func() error {
		return s.store.UpdateSession(ctx, session)
	})
}

// commitWithRetry retries transient commit failures with exponential
// backoff. Non-transient errors fail immediately.
func (s *Service) commitWithRetry(ctx context.Context, operation string, commit func() error) error {
	var err error
	backoff := commitBackoff
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		if err = commit(); err == nil {
			return nil
		}
		if !errors.IsTransient(err) {
			return err
		}
		if attempt == commitAttempts {
			break
		}
		s.log.WithError(err).WithFields(map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
		}).Warn("Transient commit failure, retrying")

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.CategoryStorage, errors.CodeCommitFailed, "commit cancelled")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// buildSummary aggregates the generated state into session statistics.
func buildSummary(req StartRequest, result *matcher.Result, discrepancies []*models.Discrepancy) models.ReconciliationSummary {
	summary := models.NewReconciliationSummary()
	summary.TotalSourceRecords = len(req.Source)
	summary.TotalTargetRecords = len(req.Target)
	summary.DroppedRecords = req.Dropped

	for _, c := range result.Candidates {
		summary.MatchesByType[c.MatchType]++
		if c.Source != nil {
			summary.TotalAmountMatched = summary.TotalAmountMatched.Add(c.Source.Amount.Abs())
		}
	}
	for _, r := range result.UnmatchedSource {
		summary.TotalAmountUnmatched = summary.TotalAmountUnmatched.Add(r.Amount.Abs())
	}
	for _, r := range result.UnmatchedTarget {
		summary.TotalAmountUnmatched = summary.TotalAmountUnmatched.Add(r.Amount.Abs())
	}
	for _, skip := range result.Skipped {
		summary.SkippedRules = append(summary.SkippedRules, skip.RuleID+": "+skip.Reason)
	}
	for _, d := range discrepancies {
		summary.DiscrepanciesByType[d.DifferenceType]++
		summary.BySeverity[d.Severity]++
		summary.ByResolutionStatus[d.ResolutionStatus]++
	}
	return summary
}

// resolutionCounts recomputes the per-status counts after a batch applied.
func resolutionCounts(discrepancies []*models.Discrepancy, updated []*models.Discrepancy) map[models.ResolutionStatus]int {
	status := make(map[string]models.ResolutionStatus, len(discrepancies))
	for _, d := range discrepancies {
		status[d.ID] = d.ResolutionStatus
	}
	for _, d := range updated {
		status[d.ID] = d.ResolutionStatus
	}
	counts := make(map[models.ResolutionStatus]int)
	for _, st := range status {
		counts[st]++
	}
	return counts
}
