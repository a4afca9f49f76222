// Package lifecycle holds the expense status state machine: which transitions
// are legal from which status, which roles may trigger them, and the fields
// each transition sets. Functions here never touch persistence; on error the
// expense passed in is left untouched.
package lifecycle

import (
	"strings"
	"time"
	"unicode/utf8"

	"expense-backend/internal/apperr"
	"expense-backend/internal/models"

	"github.com/google/uuid"
)

type Transition string

const (
	TransitionSubmit  Transition = "submit"
	TransitionApprove Transition = "approve"
	TransitionReject  Transition = "reject"
	TransitionPay     Transition = "pay"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   uuid.UUID
	Role models.UserRole
	Name string
}

func (a Actor) Authenticated() bool {
	return a.ID != uuid.Nil && a.Role.Valid()
}

type rule struct {
	from  models.ExpenseStatus
	to    models.ExpenseStatus
	roles []models.UserRole
}

var rules = map[Transition]rule{
	TransitionSubmit: {
		from:  models.StatusDraft,
		to:    models.StatusSubmitted,
		roles: []models.UserRole{models.RoleEmployee, models.RoleManager, models.RoleAdmin},
	},
	TransitionApprove: {
		from:  models.StatusSubmitted,
		to:    models.StatusApproved,
		roles: []models.UserRole{models.RoleManager, models.RoleAdmin},
	},
	TransitionReject: {
		from:  models.StatusSubmitted,
		to:    models.StatusRejected,
		roles: []models.UserRole{models.RoleManager, models.RoleAdmin},
	},
	TransitionPay: {
		from:  models.StatusApproved,
		to:    models.StatusPaid,
		roles: []models.UserRole{models.RoleAdmin},
	},
}

// Authorize is the role predicate for a transition. It does not look at the
// expense, so callers run it before loading anything.
func Authorize(actor Actor, t Transition) error {
	op := "lifecycle." + string(t)
	if !actor.Authenticated() {
		return apperr.New(apperr.KindAuthentication, op, "please sign in")
	}
	r, ok := rules[t]
	if !ok {
		return apperr.Newf(apperr.KindInvalidTransition, op, "unknown transition %q", t)
	}
	for _, role := range r.roles {
		if role == actor.Role {
			return nil
		}
	}
	return apperr.Newf(apperr.KindAuthorization, op, "role %s may not %s expenses", actor.Role, t)
}

// CanTransition reports whether t is legal from status.
func CanTransition(status models.ExpenseStatus, t Transition) bool {
	r, ok := rules[t]
	return ok && r.from == status
}

// Target returns the status t leads to.
func Target(t Transition) models.ExpenseStatus {
	return rules[t].to
}

func check(e *models.Expense, actor Actor, t Transition) error {
	if err := Authorize(actor, t); err != nil {
		return err
	}
	if !CanTransition(e.Status, t) {
		return apperr.Newf(apperr.KindInvalidTransition, "lifecycle."+string(t),
			"cannot %s an expense in status %s", t, e.Status).WithEntity(e.ID.String())
	}
	return nil
}

// Submit moves a draft to submitted. Only the owner may submit.
func Submit(e *models.Expense, actor Actor, now time.Time) error {
	if err := check(e, actor, TransitionSubmit); err != nil {
		return err
	}
	if e.OwnerID != actor.ID {
		return apperr.New(apperr.KindAuthorization, "lifecycle.submit",
			"only the creator may submit an expense").WithEntity(e.ID.String())
	}
	if e.SubmittedAt != nil || e.SubmittedBy != nil {
		return apperr.New(apperr.KindInvalidTransition, "lifecycle.submit",
			"submission metadata is already set").WithEntity(e.ID.String())
	}
	by := actor.ID
	at := now
	e.Status = models.StatusSubmitted
	e.SubmittedBy = &by
	e.SubmittedAt = &at
	return nil
}

func Approve(e *models.Expense, actor Actor, now time.Time) error {
	if err := check(e, actor, TransitionApprove); err != nil {
		return err
	}
	by := actor.ID
	at := now
	e.Status = models.StatusApproved
	e.ApprovedBy = &by
	e.ApprovedAt = &at
	return nil
}

func Reject(e *models.Expense, actor Actor, reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return apperr.New(apperr.KindValidation, "lifecycle.reject", "rejection reason is required")
	}
	if utf8.RuneCountInString(reason) > models.MaxRejectionReason {
		return apperr.New(apperr.KindValidation, "lifecycle.reject", "rejection reason is too long")
	}
	if err := check(e, actor, TransitionReject); err != nil {
		return err
	}
	by := actor.ID
	at := now
	e.Status = models.StatusRejected
	e.RejectedBy = &by
	e.RejectedAt = &at
	e.RejectionReason = reason
	return nil
}

// Pay settles an approved claim.
func Pay(e *models.Expense, actor Actor, now time.Time) error {
	if err := check(e, actor, TransitionPay); err != nil {
		return err
	}
	by := actor.ID
	at := now
	e.Status = models.StatusPaid
	e.PaidBy = &by
	e.PaidAt = &at
	return nil
}
