// Package reconcile merges asynchronous document-extraction results into an
// expense. Dispatch starts a run, Apply consumes the provider callback and
// Expire fails runs the provider never answered. Every callback is keyed by
// (expense, attachment, run) so redelivery is harmless.
package reconcile

import (
	"errors"
	"time"

	"expense-backend/internal/apperr"
	"expense-backend/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Callback is the payload the extraction provider posts back.
type Callback struct {
	ExpenseID     uuid.UUID  `json:"expenseId" validate:"required"`
	AttachmentID  uuid.UUID  `json:"attachmentId" validate:"required"`
	RunID         *uuid.UUID `json:"runId,omitempty"`
	Success       bool       `json:"success"`
	ExtractedData *Fields    `json:"extractedData,omitempty"`
}

// Fields are the values read from the receipt. Confidence is stored as is;
// thresholding is left to the client.
type Fields struct {
	Vendor        string           `json:"vendor" validate:"max=255"`
	Amount        *decimal.Decimal `json:"amount"`
	Currency      string           `json:"currency" validate:"omitempty,len=3"`
	Date          string           `json:"date" validate:"max=32"`
	InvoiceNumber string           `json:"invoiceNumber" validate:"max=100"`
	Category      string           `json:"category" validate:"max=100"`
	Confidence    float64          `json:"confidence" validate:"gte=0,lte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the payload against the limits of the columns it is
// stored in. Failures are Validation errors.
func (cb Callback) Validate() error {
	const op = "reconcile.Validate"
	if err := validate.Struct(cb); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Newf(apperr.KindValidation, op, "%s is invalid (%s)", fe.Namespace(), fe.Tag()).WithEntity(cb.AttachmentID.String())
		}
		return apperr.Wrap(apperr.KindValidation, op, cb.AttachmentID.String(), err)
	}
	if f := cb.ExtractedData; f != nil && f.Amount != nil && !models.AmountFits(*f.Amount) {
		return apperr.New(apperr.KindValidation, op, "extracted amount is too large").WithEntity(cb.AttachmentID.String())
	}
	return nil
}

func (f *Fields) record(e *models.Expense, att *models.Attachment, now time.Time) *models.ExtractedData {
	d := &models.ExtractedData{
		ExpenseID:     e.ID,
		AttachmentID:  att.ID,
		RunID:         *att.ExtractionRunID,
		Vendor:        f.Vendor,
		Currency:      f.Currency,
		Date:          f.Date,
		InvoiceNumber: f.InvoiceNumber,
		Category:      f.Category,
		Confidence:    f.Confidence,
		ExtractedAt:   now,
	}
	if f.Amount != nil {
		d.Amount = decimal.NullDecimal{Decimal: f.Amount.Round(2), Valid: true}
	}
	if e.ExtractedData != nil {
		d.ID = e.ExtractedData.ID
		d.CreatedAt = e.ExtractedData.CreatedAt
	} else {
		d.ID = uuid.New()
	}
	return d
}

// Dispatch marks att as sent to the provider under a new run and moves the
// expense to extracting. It fails with AlreadyDispatched when att was sent
// before, and with InvalidTransition while another run is in flight or once
// the claim is decided.
func Dispatch(e *models.Expense, att *models.Attachment, runID uuid.UUID, now time.Time) error {
	const op = "reconcile.Dispatch"
	if att.ExpenseID != e.ID {
		return apperr.New(apperr.KindValidation, op, "attachment does not belong to expense").WithEntity(att.ID.String())
	}
	if att.SentToExtractionAt != nil {
		return apperr.New(apperr.KindAlreadyDispatched, op, "attachment was already sent to extraction").WithEntity(att.ID.String())
	}
	return start(op, e, att, runID, now)
}

// Retry restarts extraction for the attachment of a failed run.
func Retry(e *models.Expense, att *models.Attachment, runID uuid.UUID, now time.Time) error {
	const op = "reconcile.Retry"
	if att.ExpenseID != e.ID {
		return apperr.New(apperr.KindValidation, op, "attachment does not belong to expense").WithEntity(att.ID.String())
	}
	if e.ProcessingStatus != models.ProcessingFailed {
		return apperr.Newf(apperr.KindInvalidTransition, op,
			"only failed extractions can be retried, status is %s", e.ProcessingStatus).WithEntity(e.ID.String())
	}
	if e.ExtractionAttachmentID == nil || *e.ExtractionAttachmentID != att.ID {
		return apperr.New(apperr.KindInvalidTransition, op, "attachment is not part of the failed run").WithEntity(att.ID.String())
	}
	return start(op, e, att, runID, now)
}

func start(op string, e *models.Expense, att *models.Attachment, runID uuid.UUID, now time.Time) error {
	if e.Status.Closed() {
		return apperr.Newf(apperr.KindInvalidTransition, op,
			"cannot extract receipts of a %s expense", e.Status).WithEntity(e.ID.String())
	}
	if e.ProcessingStatus == models.ProcessingExtracting {
		return apperr.New(apperr.KindInvalidTransition, op, "an extraction is already in flight").WithEntity(e.ID.String())
	}
	sent := now
	run := runID
	attID := att.ID
	att.SentToExtractionAt = &sent
	att.ExtractionRunID = &run
	att.ProcessedAt = nil
	e.ProcessingStatus = models.ProcessingExtracting
	e.ExtractionRunID = &run
	e.ExtractionAttachmentID = &attID
	e.ExtractionStartedAt = &sent
	return nil
}

// Abort fails the in-flight run after the provider refused the request.
func Abort(e *models.Expense, runID uuid.UUID) bool {
	if e.ProcessingStatus != models.ProcessingExtracting || e.ExtractionRunID == nil || *e.ExtractionRunID != runID {
		return false
	}
	e.ProcessingStatus = models.ProcessingFailed
	return true
}

// Apply merges cb into the expense. It returns the ExtractedData row to upsert
// (nil when nothing must be written). Late or repeated deliveries return a
// DuplicateCallback error and leave e and att untouched.
func Apply(e *models.Expense, att *models.Attachment, cb Callback, now time.Time) (*models.ExtractedData, error) {
	const op = "reconcile.Apply"
	if cb.ExpenseID != e.ID || att.ExpenseID != e.ID || cb.AttachmentID != att.ID {
		return nil, apperr.New(apperr.KindValidation, op, "callback does not match attachment owner").WithEntity(cb.AttachmentID.String())
	}
	if cb.Success && cb.ExtractedData == nil {
		return nil, apperr.New(apperr.KindValidation, op, "successful callback carries no extracted data").WithEntity(e.ID.String())
	}
	if att.SentToExtractionAt == nil || att.ExtractionRunID == nil {
		return nil, apperr.New(apperr.KindInvalidTransition, op, "attachment was never sent to extraction").WithEntity(att.ID.String())
	}

	duplicate := func(msg string) error {
		return apperr.New(apperr.KindDuplicateCallback, op, msg).WithEntity(e.ID.String())
	}

	if cb.RunID != nil && *cb.RunID != *att.ExtractionRunID {
		return nil, duplicate("callback belongs to a superseded run")
	}

	current := e.ExtractionRunID != nil && *e.ExtractionRunID == *att.ExtractionRunID &&
		e.ExtractionAttachmentID != nil && *e.ExtractionAttachmentID == att.ID
	if !current {
		return nil, duplicate("callback for an attachment outside the current run")
	}

	switch e.ProcessingStatus {
	case models.ProcessingExtracting:
		if !cb.Success {
			e.ProcessingStatus = models.ProcessingFailed
			return nil, nil
		}
		data := cb.ExtractedData.record(e, att, now)
		if att.ProcessedAt == nil {
			at := now
			att.ProcessedAt = &at
		}
		e.ProcessingStatus = models.ProcessingCompleted
		return data, nil

	case models.ProcessingCompleted:
		// completed is sticky: a failure never downgrades it, a repeated
		// success only rewrites the single row when the values changed.
		if !cb.Success {
			return nil, duplicate("failure reported after completion")
		}
		data := cb.ExtractedData.record(e, att, now)
		if e.ExtractedData.SameFields(data) {
			return nil, duplicate("identical extraction result")
		}
		return data, nil

	default:
		return nil, duplicate("run is no longer in flight")
	}
}

// Expired reports whether an in-flight run has outlived ttl.
func Expired(e *models.Expense, now time.Time, ttl time.Duration) bool {
	return ttl > 0 &&
		e.ProcessingStatus == models.ProcessingExtracting &&
		e.ExtractionStartedAt != nil &&
		now.Sub(*e.ExtractionStartedAt) > ttl
}

// Expire fails a run that has outlived ttl.
func Expire(e *models.Expense, now time.Time, ttl time.Duration) bool {
	if !Expired(e, now, ttl) {
		return false
	}
	e.ProcessingStatus = models.ProcessingFailed
	return true
}
