// Package workflow is the entry point for every expense operation. It checks
// the caller, serializes work per expense, applies the lifecycle and
// reconciliation rules and persists the result with a version check.
package workflow

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"expense-backend/internal/apperr"
	"expense-backend/internal/audit"
	"expense-backend/internal/extraction"
	"expense-backend/internal/lifecycle"
	"expense-backend/internal/locker"
	"expense-backend/internal/models"
	"expense-backend/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultTimeout = 30 * time.Second

type Store interface {
	CreateExpense(ctx context.Context, e *models.Expense) error
	GetExpense(ctx context.Context, id uuid.UUID) (*models.Expense, error)
	ListExpenses(ctx context.Context, f store.ListFilter) ([]models.Expense, error)
	GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error)
	ListStaleExtractions(ctx context.Context, before time.Time) ([]uuid.UUID, error)
	Apply(ctx context.Context, m store.Mutation) error
	DeleteExpense(ctx context.Context, id uuid.UUID, version int64) error
}

type AuditWriter interface {
	WriteLog(ctx context.Context, opts audit.LogOptions) error
}

type Options struct {
	// Timeout bounds each operation, lock wait included.
	Timeout time.Duration
	// ExtractionTTL is how long a run may stay extracting before it is
	// failed. Zero disables expiry.
	ExtractionTTL time.Duration
	CallbackURL   string
	Now           func() time.Time
}

type Service struct {
	store     Store
	locks     locker.Locker
	extractor extraction.Client
	audit     AuditWriter
	log       *zap.Logger

	timeout     time.Duration
	ttl         time.Duration
	callbackURL string
	now         func() time.Time
	newID       func() uuid.UUID
}

func New(st Store, locks locker.Locker, ext extraction.Client, aw AuditWriter, log *zap.Logger, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:       st,
		locks:       locks,
		extractor:   ext,
		audit:       aw,
		log:         log,
		timeout:     opts.Timeout,
		ttl:         opts.ExtractionTTL,
		callbackURL: opts.CallbackURL,
		now:         func() time.Time { return opts.Now().UTC() },
		newID:       uuid.New,
	}
}

// errUnchanged aborts a mutation without writing anything.
var errUnchanged = errors.New("unchanged")

type mutateFunc func(e *models.Expense, m *store.Mutation, now time.Time) error

type auditInfo struct {
	action      models.AuditAction
	description string
}

// mutate loads the expense under its lock, applies fn, validates the result
// and writes it with a compare-and-set on the version. It returns the stored
// expense after the write.
func (s *Service) mutate(ctx context.Context, actor *lifecycle.Actor, id uuid.UUID, info auditInfo, fn mutateFunc) (*models.Expense, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out *models.Expense
	err := s.locks.WithLock(ctx, locker.ExpenseKey(id), func(ctx context.Context) error {
		e, err := s.store.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		before := e.Clone()
		m := store.Mutation{Expense: e, ExpectedVersion: e.Version}

		if err := fn(e, &m, s.now()); err != nil {
			if errors.Is(err, errUnchanged) {
				out = before
				return nil
			}
			return err
		}
		if err := lifecycle.Validate(e); err != nil {
			return err
		}
		if err := s.store.Apply(ctx, m); err != nil {
			return err
		}

		out, err = s.store.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		s.record(ctx, actor, info, before, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record writes an audit entry. Failures are logged and never fail the
// operation.
func (s *Service) record(ctx context.Context, actor *lifecycle.Actor, info auditInfo, before, after *models.Expense) {
	if s.audit == nil {
		return
	}
	opts := audit.LogOptions{
		UserName:    "system",
		EntityType:  "expense",
		Action:      info.action,
		Description: truncate(info.description, maxAuditDescription),
	}
	if before != nil {
		opts.EntityID = before.ID.String()
		opts.Before = before
	}
	if after != nil {
		opts.EntityID = after.ID.String()
		opts.After = after
	}
	if actor != nil {
		id := actor.ID
		opts.UserID = &id
		opts.UserName = actor.Name
	}
	if err := s.audit.WriteLog(context.WithoutCancel(ctx), opts); err != nil {
		s.log.Error("audit log write failed",
			zap.String("entity_id", opts.EntityID),
			zap.String("action", string(info.action)),
			zap.Error(err))
	}
}

// maxAuditDescription is the length of the audit_logs.description column.
const maxAuditDescription = 255

// truncate cuts s to at most n characters, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// canSee reports whether actor may read e. Employees see their own claims,
// managers and admins see all.
func canSee(actor lifecycle.Actor, e *models.Expense, op string) error {
	if !actor.Authenticated() {
		return apperr.New(apperr.KindAuthentication, op, "please sign in")
	}
	if actor.Role == models.RoleEmployee && e.OwnerID != actor.ID {
		return apperr.New(apperr.KindAuthorization, op, "expense belongs to another user").WithEntity(e.ID.String())
	}
	return nil
}

func authenticated(actor lifecycle.Actor, op string) error {
	if !actor.Authenticated() {
		return apperr.New(apperr.KindAuthentication, op, "please sign in")
	}
	return nil
}
