package lifecycle

import (
	"unicode/utf8"

	"expense-backend/internal/apperr"
	"expense-backend/internal/models"
)

// Validate checks that the expense is in a legal composite state. It runs
// before every write so an illegal combination never reaches the store.
func Validate(e *models.Expense) error {
	fail := func(msg string) error {
		return apperr.New(apperr.KindValidation, "lifecycle.Validate", msg).WithEntity(e.ID.String())
	}

	if !e.Status.Valid() {
		return fail("unknown status " + string(e.Status))
	}
	if !e.ProcessingStatus.Valid() {
		return fail("unknown processing status " + string(e.ProcessingStatus))
	}
	if e.Amount.IsNegative() {
		return fail("amount must not be negative")
	}
	if !models.AmountFits(e.Amount) {
		return fail("amount is too large")
	}
	if utf8.RuneCountInString(e.RejectionReason) > models.MaxRejectionReason {
		return fail("rejection reason is too long")
	}

	submitted := e.SubmittedAt != nil && e.SubmittedBy != nil
	if (e.SubmittedAt == nil) != (e.SubmittedBy == nil) {
		return fail("submission metadata is incomplete")
	}
	if e.Status == models.StatusDraft && submitted {
		return fail("draft expense carries submission metadata")
	}
	if e.Status != models.StatusDraft && !submitted {
		return fail("expense left draft without submission metadata")
	}

	approved := e.ApprovedBy != nil || e.ApprovedAt != nil
	rejected := e.RejectedBy != nil || e.RejectedAt != nil
	if approved && rejected {
		return fail("expense is both approved and rejected")
	}
	if approved != (e.Status == models.StatusApproved || e.Status == models.StatusPaid) {
		return fail("approval metadata does not match status")
	}
	if approved && (e.ApprovedBy == nil || e.ApprovedAt == nil) {
		return fail("approval metadata is incomplete")
	}
	if rejected != (e.Status == models.StatusRejected) {
		return fail("rejection metadata does not match status")
	}
	if rejected && (e.RejectedBy == nil || e.RejectedAt == nil) {
		return fail("rejection metadata is incomplete")
	}
	if (e.RejectionReason != "") != (e.Status == models.StatusRejected) {
		return fail("rejection reason is required iff the expense is rejected")
	}
	paid := e.PaidBy != nil || e.PaidAt != nil
	if paid != (e.Status == models.StatusPaid) {
		return fail("payment metadata does not match status")
	}

	if e.ProcessingStatus == models.ProcessingExtracting {
		if e.ExtractionRunID == nil || e.ExtractionAttachmentID == nil || e.ExtractionStartedAt == nil {
			return fail("extracting expense has no in-flight run")
		}
	}
	if e.ProcessingStatus == models.ProcessingNone && len(e.Attachments) > 0 {
		return fail("expense with attachments has no processing status")
	}
	return nil
}
