package workflow

import (
	"context"
	"time"

	"expense-backend/internal/apperr"
	"expense-backend/internal/extraction"
	"expense-backend/internal/lifecycle"
	"expense-backend/internal/models"
	"expense-backend/internal/reconcile"
	"expense-backend/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type startFunc func(e *models.Expense, att *models.Attachment, runID uuid.UUID, now time.Time) error

// DispatchExtraction sends an attachment to the extraction provider. The run
// is persisted as extracting before the provider is called; when the call
// fails the run is marked failed and the provider error returned.
func (s *Service) DispatchExtraction(ctx context.Context, actor lifecycle.Actor, attachmentID uuid.UUID) (*models.Expense, error) {
	info := auditInfo{action: models.AuditActionDispatch, description: "Receipt sent to extraction"}
	return s.startExtraction(ctx, actor, attachmentID, "workflow.DispatchExtraction", info, reconcile.Dispatch)
}

// RetryExtraction starts a new run for the attachment of a failed run.
func (s *Service) RetryExtraction(ctx context.Context, actor lifecycle.Actor, attachmentID uuid.UUID) (*models.Expense, error) {
	info := auditInfo{action: models.AuditActionDispatch, description: "Receipt extraction retried"}
	return s.startExtraction(ctx, actor, attachmentID, "workflow.RetryExtraction", info, reconcile.Retry)
}

func (s *Service) startExtraction(ctx context.Context, actor lifecycle.Actor, attachmentID uuid.UUID, op string, info auditInfo, start startFunc) (*models.Expense, error) {
	if err := authenticated(actor, op); err != nil {
		return nil, err
	}

	lookup, cancel := context.WithTimeout(ctx, s.timeout)
	att, err := s.store.GetAttachment(lookup, attachmentID)
	cancel()
	if err != nil {
		return nil, err
	}

	runID := s.newID()
	var req extraction.Request
	e, err := s.mutate(ctx, &actor, att.ExpenseID, info, func(e *models.Expense, m *store.Mutation, now time.Time) error {
		if err := canSee(actor, e, op); err != nil {
			return err
		}
		a := e.Attachment(attachmentID)
		if a == nil {
			return apperr.New(apperr.KindNotFound, op, "attachment not found").WithEntity(attachmentID.String())
		}
		if err := start(e, a, runID, now); err != nil {
			return err
		}
		m.Attachment = a
		req = extraction.Request{
			AttachmentID: a.ID,
			FileURL:      a.StorageURL,
			ExpenseID:    e.ID,
			RunID:        runID,
			CallbackURL:  s.callbackURL,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.extractor.Submit(callCtx, req); err != nil {
		s.log.Warn("extraction dispatch failed",
			zap.String("expense_id", req.ExpenseID.String()),
			zap.String("attachment_id", req.AttachmentID.String()),
			zap.String("run_id", runID.String()),
			zap.Error(err))
		s.abort(ctx, req.ExpenseID, runID)
		if apperr.KindOf(err) == "" {
			err = apperr.External(op, req.AttachmentID.String(), err)
		}
		return nil, err
	}
	return e, nil
}

// abort marks the run failed after the provider refused it. It runs on a
// detached context so a timed out dispatch is still recorded.
func (s *Service) abort(ctx context.Context, expenseID, runID uuid.UUID) {
	info := auditInfo{action: models.AuditActionDispatch, description: "Extraction request failed"}
	_, err := s.mutate(context.WithoutCancel(ctx), nil, expenseID, info, func(e *models.Expense, _ *store.Mutation, _ time.Time) error {
		if !reconcile.Abort(e, runID) {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		s.log.Error("marking extraction failed",
			zap.String("expense_id", expenseID.String()),
			zap.String("run_id", runID.String()),
			zap.Error(err))
	}
}

// ReconcileResult reports what a callback did. Applied is false for
// redelivered or stale callbacks, which change nothing.
type ReconcileResult struct {
	Expense *models.Expense
	Applied bool
}

// ReconcileExtraction merges a provider callback into the expense.
// Duplicates are not errors: they return Applied=false.
func (s *Service) ReconcileExtraction(ctx context.Context, cb reconcile.Callback) (ReconcileResult, error) {
	const op = "workflow.ReconcileExtraction"
	if err := cb.Validate(); err != nil {
		return ReconcileResult{}, err
	}

	lookup, cancel := context.WithTimeout(ctx, s.timeout)
	att, err := s.store.GetAttachment(lookup, cb.AttachmentID)
	cancel()
	if err != nil {
		return ReconcileResult{}, err
	}
	if att.ExpenseID != cb.ExpenseID {
		return ReconcileResult{}, apperr.New(apperr.KindValidation, op, "attachment does not belong to expense").WithEntity(cb.AttachmentID.String())
	}

	var dup error
	desc := "Extraction failed"
	if cb.Success {
		desc = "Extraction completed"
	}
	info := auditInfo{action: models.AuditActionReconcile, description: desc}
	e, err := s.mutate(ctx, nil, cb.ExpenseID, info, func(e *models.Expense, m *store.Mutation, now time.Time) error {
		a := e.Attachment(cb.AttachmentID)
		if a == nil {
			return apperr.New(apperr.KindNotFound, op, "attachment not found").WithEntity(cb.AttachmentID.String())
		}
		expired := reconcile.Expire(e, now, s.ttl)
		data, err := reconcile.Apply(e, a, cb, now)
		if err != nil {
			if !apperr.Is(err, apperr.KindDuplicateCallback) {
				return err
			}
			dup = err
			if !expired {
				return errUnchanged
			}
			// Persist the expiry the late callback uncovered.
			return nil
		}
		m.Attachment = a
		m.Extracted = data
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	if dup != nil {
		s.log.Info("duplicate extraction callback ignored",
			zap.String("expense_id", cb.ExpenseID.String()),
			zap.String("attachment_id", cb.AttachmentID.String()),
			zap.Error(dup))
		return ReconcileResult{Expense: e, Applied: false}, nil
	}
	return ReconcileResult{Expense: e, Applied: true}, nil
}

// expire fails the in-flight run of one expense if it outlived the TTL. It
// reports whether this call did the expiry.
func (s *Service) expire(ctx context.Context, id uuid.UUID) (*models.Expense, bool, error) {
	info := auditInfo{action: models.AuditActionExpire, description: "Extraction timed out"}
	expired := false
	e, err := s.mutate(ctx, nil, id, info, func(e *models.Expense, _ *store.Mutation, now time.Time) error {
		if !reconcile.Expire(e, now, s.ttl) {
			return errUnchanged
		}
		expired = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return e, expired, nil
}

// ExpireStaleExtractions fails every run that outlived the TTL and returns
// how many were expired.
func (s *Service) ExpireStaleExtractions(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	lookup, cancel := context.WithTimeout(ctx, s.timeout)
	ids, err := s.store.ListStaleExtractions(lookup, s.now().Add(-s.ttl))
	cancel()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		_, expired, err := s.expire(ctx, id)
		if err != nil {
			s.log.Warn("expiring stale extraction failed", zap.String("expense_id", id.String()), zap.Error(err))
			continue
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// RunSweeper calls ExpireStaleExtractions every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || s.ttl <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.ExpireStaleExtractions(ctx)
			if err != nil {
				s.log.Warn("extraction sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("expired stale extractions", zap.Int("count", n))
			}
		}
	}
}
