package workflow

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"expense-backend/internal/apperr"
	"expense-backend/internal/lifecycle"
	"expense-backend/internal/locker"
	"expense-backend/internal/models"
	"expense-backend/internal/reconcile"
	"expense-backend/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// AttachmentInput describes an uploaded receipt. The file itself lives in
// object storage; only its address is recorded.
type AttachmentInput struct {
	FileName   string `json:"file_name" validate:"required,max=255"`
	Size       int64  `json:"size" validate:"gte=0"`
	MimeType   string `json:"mime_type" validate:"max=100"`
	StorageURL string `json:"storage_url" validate:"required,url,max=1000"`
}

// Draft is the input of CreateExpense.
type Draft struct {
	Title       string            `json:"title" validate:"required,max=200"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency" validate:"omitempty,len=3,alpha"`
	Category    string            `json:"category" validate:"required,max=100"`
	Date        time.Time         `json:"date" validate:"required"`
	Description string            `json:"description" validate:"max=1000"`
	Submit      bool              `json:"submit"`
	Attachments []AttachmentInput `json:"attachments" validate:"dive"`
}

func invalid(op string, err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Newf(apperr.KindValidation, op, "%s is invalid (%s)", strings.ToLower(fe.Field()), fe.Tag())
	}
	return apperr.Wrap(apperr.KindValidation, op, "", err)
}

func newAttachment(in AttachmentInput, now time.Time) models.Attachment {
	return models.Attachment{
		ID:         uuid.New(),
		FileName:   in.FileName,
		Size:       in.Size,
		MimeType:   in.MimeType,
		StorageURL: in.StorageURL,
		UploadedAt: now,
	}
}

// CreateExpense records a new claim owned by the caller, as a draft or, with
// Submit set, directly as submitted.
func (s *Service) CreateExpense(ctx context.Context, actor lifecycle.Actor, d Draft) (*models.Expense, error) {
	const op = "workflow.CreateExpense"
	if err := authenticated(actor, op); err != nil {
		return nil, err
	}
	d.Title = strings.TrimSpace(d.Title)
	d.Category = strings.TrimSpace(d.Category)
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	if err := validate.Struct(d); err != nil {
		return nil, invalid(op, err)
	}
	if d.Amount.IsNegative() {
		return nil, apperr.New(apperr.KindValidation, op, "amount must not be negative")
	}
	if !models.AmountFits(d.Amount) {
		return nil, apperr.New(apperr.KindValidation, op, "amount is too large")
	}
	if d.Currency == "" {
		d.Currency = "USD"
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	e := &models.Expense{
		ID:          uuid.New(),
		OwnerID:     actor.ID,
		Title:       d.Title,
		Amount:      d.Amount.Round(2),
		Currency:    d.Currency,
		Category:    d.Category,
		Date:        d.Date.UTC(),
		Description: d.Description,
		Status:      models.StatusDraft,
		Version:     1,
	}
	for _, in := range d.Attachments {
		a := newAttachment(in, now)
		a.ExpenseID = e.ID
		e.Attachments = append(e.Attachments, a)
	}
	if len(e.Attachments) > 0 {
		e.ProcessingStatus = models.ProcessingPending
	}
	if d.Submit {
		if err := lifecycle.Submit(e, actor, now); err != nil {
			return nil, err
		}
	}
	if err := lifecycle.Validate(e); err != nil {
		return nil, err
	}
	if err := s.store.CreateExpense(ctx, e); err != nil {
		return nil, err
	}

	out, err := s.store.GetExpense(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	desc := "Expense created"
	if d.Submit {
		desc = "Expense created and submitted"
	}
	s.record(ctx, &actor, auditInfo{action: models.AuditActionCreate, description: desc}, nil, out)
	return out, nil
}

// GetExpense returns one expense with attachments and extracted data.
func (s *Service) GetExpense(ctx context.Context, actor lifecycle.Actor, id uuid.UUID) (*models.Expense, error) {
	const op = "workflow.GetExpense"
	if err := authenticated(actor, op); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	e, err := s.store.GetExpense(rctx, id)
	cancel()
	if err != nil {
		return nil, err
	}
	if err := canSee(actor, e, op); err != nil {
		return nil, err
	}
	return s.expireOnRead(ctx, e), nil
}

// ListExpenses returns the claims visible to the caller, newest first.
func (s *Service) ListExpenses(ctx context.Context, actor lifecycle.Actor, status models.ExpenseStatus) ([]models.Expense, error) {
	const op = "workflow.ListExpenses"
	if err := authenticated(actor, op); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, op, "unknown status %q", status)
	}
	f := store.ListFilter{Status: status}
	if actor.Role == models.RoleEmployee {
		owner := actor.ID
		f.OwnerID = &owner
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	list, err := s.store.ListExpenses(rctx, f)
	cancel()
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = *s.expireOnRead(ctx, &list[i])
	}
	return list, nil
}

// expireOnRead fails a run that outlived the TTL before e is handed out. A
// failed expiry is logged and the stale view returned.
func (s *Service) expireOnRead(ctx context.Context, e *models.Expense) *models.Expense {
	if !reconcile.Expired(e, s.now(), s.ttl) {
		return e
	}
	out, _, err := s.expire(ctx, e.ID)
	if err != nil {
		s.log.Warn("expiring stale extraction failed", zap.String("expense_id", e.ID.String()), zap.Error(err))
		return e
	}
	return out
}

func (s *Service) SubmitExpense(ctx context.Context, actor lifecycle.Actor, id uuid.UUID) (*models.Expense, error) {
	if err := lifecycle.Authorize(actor, lifecycle.TransitionSubmit); err != nil {
		return nil, err
	}
	info := auditInfo{action: models.AuditActionSubmit, description: "Expense submitted"}
	return s.mutate(ctx, &actor, id, info, func(e *models.Expense, _ *store.Mutation, now time.Time) error {
		return lifecycle.Submit(e, actor, now)
	})
}

// Approve moves a submitted expense to approved.
func (s *Service) Approve(ctx context.Context, actor lifecycle.Actor, id uuid.UUID) (*models.Expense, error) {
	if err := lifecycle.Authorize(actor, lifecycle.TransitionApprove); err != nil {
		return nil, err
	}
	info := auditInfo{action: models.AuditActionApprove, description: "Expense approved"}
	return s.mutate(ctx, &actor, id, info, func(e *models.Expense, _ *store.Mutation, now time.Time) error {
		return lifecycle.Approve(e, actor, now)
	})
}

// Reject moves a submitted expense to rejected. The reason and the caller's
// role are checked before anything is read or written.
func (s *Service) Reject(ctx context.Context, actor lifecycle.Actor, id uuid.UUID, reason string) (*models.Expense, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.KindValidation, "workflow.Reject", "rejection reason is required").WithEntity(id.String())
	}
	if utf8.RuneCountInString(reason) > models.MaxRejectionReason {
		return nil, apperr.Newf(apperr.KindValidation, "workflow.Reject",
			"rejection reason must be at most %d characters", models.MaxRejectionReason).WithEntity(id.String())
	}
	if err := lifecycle.Authorize(actor, lifecycle.TransitionReject); err != nil {
		return nil, err
	}
	info := auditInfo{action: models.AuditActionReject, description: "Expense rejected: " + reason}
	return s.mutate(ctx, &actor, id, info, func(e *models.Expense, _ *store.Mutation, now time.Time) error {
		return lifecycle.Reject(e, actor, reason, now)
	})
}

// MarkPaid settles an approved expense.
func (s *Service) MarkPaid(ctx context.Context, actor lifecycle.Actor, id uuid.UUID) (*models.Expense, error) {
	if err := lifecycle.Authorize(actor, lifecycle.TransitionPay); err != nil {
		return nil, err
	}
	info := auditInfo{action: models.AuditActionPay, description: "Expense paid"}
	return s.mutate(ctx, &actor, id, info, func(e *models.Expense, _ *store.Mutation, now time.Time) error {
		return lifecycle.Pay(e, actor, now)
	})
}

// AddAttachment adds a receipt to an undecided expense owned by the caller.
func (s *Service) AddAttachment(ctx context.Context, actor lifecycle.Actor, id uuid.UUID, in AttachmentInput) (*models.Expense, error) {
	const op = "workflow.AddAttachment"
	if err := authenticated(actor, op); err != nil {
		return nil, err
	}
	if err := validate.Struct(in); err != nil {
		return nil, invalid(op, err)
	}
	info := auditInfo{action: models.AuditActionAttach, description: "Receipt attached: " + in.FileName}
	return s.mutate(ctx, &actor, id, info, func(e *models.Expense, m *store.Mutation, now time.Time) error {
		if e.OwnerID != actor.ID {
			return apperr.New(apperr.KindAuthorization, op, "only the creator may attach receipts").WithEntity(e.ID.String())
		}
		if e.Status.Closed() {
			return apperr.Newf(apperr.KindInvalidTransition, op, "cannot attach receipts to a %s expense", e.Status).WithEntity(e.ID.String())
		}
		a := newAttachment(in, now)
		a.ExpenseID = e.ID
		m.NewAttachments = append(m.NewAttachments, a)
		e.Attachments = append(e.Attachments, a)
		if e.ProcessingStatus == models.ProcessingNone {
			e.ProcessingStatus = models.ProcessingPending
		}
		return nil
	})
}

// DeleteExpense removes a draft owned by the caller.
func (s *Service) DeleteExpense(ctx context.Context, actor lifecycle.Actor, id uuid.UUID) error {
	const op = "workflow.DeleteExpense"
	if err := authenticated(actor, op); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.locks.WithLock(ctx, locker.ExpenseKey(id), func(ctx context.Context) error {
		e, err := s.store.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		if e.OwnerID != actor.ID {
			return apperr.New(apperr.KindAuthorization, op, "only the creator may delete an expense").WithEntity(id.String())
		}
		if e.Status != models.StatusDraft {
			return apperr.Newf(apperr.KindInvalidTransition, op, "cannot delete a %s expense", e.Status).WithEntity(id.String())
		}
		if err := s.store.DeleteExpense(ctx, id, e.Version); err != nil {
			return err
		}
		s.record(ctx, &actor, auditInfo{action: models.AuditActionDelete, description: "Draft deleted"}, e, nil)
		return nil
	})
}
