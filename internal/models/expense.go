package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MaxRejectionReason is the length of the rejection_reason column, in characters.
const MaxRejectionReason = 500

// MaxAmount is the exclusive upper bound of a numeric(14,2) amount column.
var MaxAmount = decimal.New(1, 12)

// AmountFits reports whether d, rounded to cents, fits a numeric(14,2) column.
func AmountFits(d decimal.Decimal) bool {
	return d.Round(2).Abs().LessThan(MaxAmount)
}

type ExpenseStatus string

const (
	StatusDraft      ExpenseStatus = "draft"
	StatusSubmitted  ExpenseStatus = "submitted"
	StatusProcessing ExpenseStatus = "processing"
	StatusApproved   ExpenseStatus = "approved"
	StatusRejected   ExpenseStatus = "rejected"
	StatusPaid       ExpenseStatus = "paid"
)

func (s ExpenseStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusProcessing, StatusApproved, StatusRejected, StatusPaid:
		return true
	}
	return false
}

// Closed reports whether the claim has been decided (approved, rejected or paid).
func (s ExpenseStatus) Closed() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusPaid
}

// ProcessingStatus tracks document extraction for an expense. The zero value
// means no attachment has been added yet and is stored as NULL.
type ProcessingStatus string

const (
	ProcessingNone       ProcessingStatus = ""
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingExtracting ProcessingStatus = "extracting"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

func (p ProcessingStatus) Valid() bool {
	switch p {
	case ProcessingNone, ProcessingPending, ProcessingExtracting, ProcessingCompleted, ProcessingFailed:
		return true
	}
	return false
}

func (p ProcessingStatus) Value() (driver.Value, error) {
	if p == ProcessingNone {
		return nil, nil
	}
	return string(p), nil
}

func (p *ProcessingStatus) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = ProcessingNone
	case string:
		*p = ProcessingStatus(v)
	case []byte:
		*p = ProcessingStatus(v)
	default:
		return fmt.Errorf("processing status: unsupported type %T", src)
	}
	return nil
}

func (p ProcessingStatus) MarshalJSON() ([]byte, error) {
	if p == ProcessingNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(p))
}

func (p *ProcessingStatus) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*p = ProcessingNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = ProcessingStatus(s)
	return nil
}

type Expense struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID     uuid.UUID       `gorm:"type:uuid;index;not null" json:"owner_id"`
	Title       string          `gorm:"size:200;not null" json:"title"`
	Amount      decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	Currency    string          `gorm:"size:3;not null" json:"currency"`
	Category    string          `gorm:"size:100;not null" json:"category"`
	Date        time.Time       `gorm:"index;not null" json:"date"`
	Description string          `gorm:"size:1000" json:"description"`

	Status ExpenseStatus `gorm:"size:20;index;not null" json:"status"`

	// Set once on submit.
	SubmittedBy *uuid.UUID `gorm:"type:uuid" json:"submitted_by"`
	SubmittedAt *time.Time `json:"submitted_at"`

	ApprovedBy *uuid.UUID `gorm:"type:uuid" json:"approved_by"`
	ApprovedAt *time.Time `json:"approved_at"`

	RejectedBy      *uuid.UUID `gorm:"type:uuid" json:"rejected_by"`
	RejectedAt      *time.Time `json:"rejected_at"`
	RejectionReason string     `gorm:"size:500" json:"rejection_reason,omitempty"`

	PaidBy *uuid.UUID `gorm:"type:uuid" json:"paid_by"`
	PaidAt *time.Time `json:"paid_at"`

	ProcessingStatus ProcessingStatus `gorm:"size:20;index" json:"processing_status"`

	// In-flight extraction run; at most one per expense.
	ExtractionRunID        *uuid.UUID `gorm:"type:uuid" json:"extraction_run_id"`
	ExtractionAttachmentID *uuid.UUID `gorm:"type:uuid" json:"extraction_attachment_id"`
	ExtractionStartedAt    *time.Time `json:"extraction_started_at"`

	// Optimistic concurrency counter, bumped on every write.
	Version int64 `gorm:"not null;default:1" json:"version"`

	Attachments   []Attachment   `gorm:"constraint:OnDelete:CASCADE" json:"attachments"`
	ExtractedData *ExtractedData `gorm:"constraint:OnDelete:CASCADE" json:"extracted_data"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *Expense) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	return nil
}

// Attachment returns the attachment with the given id, or nil.
func (e *Expense) Attachment(id uuid.UUID) *Attachment {
	for i := range e.Attachments {
		if e.Attachments[i].ID == id {
			return &e.Attachments[i]
		}
	}
	return nil
}

// Clone returns a deep copy suitable for before/after audit snapshots.
func (e *Expense) Clone() *Expense {
	cp := *e
	if e.Attachments != nil {
		cp.Attachments = make([]Attachment, len(e.Attachments))
		copy(cp.Attachments, e.Attachments)
	}
	if e.ExtractedData != nil {
		d := *e.ExtractedData
		cp.ExtractedData = &d
	}
	return &cp
}
