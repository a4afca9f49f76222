package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Attachment is an uploaded receipt. SentToExtractionAt and ProcessedAt mark
// its position in the extraction pipeline; ProcessedAt stays nil when the
// provider reported a failure.
type Attachment struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ExpenseID          uuid.UUID  `gorm:"type:uuid;index;not null" json:"expense_id"`
	FileName           string     `gorm:"size:255;not null" json:"file_name"`
	Size               int64      `gorm:"not null" json:"size"`
	MimeType           string     `gorm:"size:100" json:"mime_type"`
	StorageURL         string     `gorm:"size:1000;not null" json:"storage_url"`
	UploadedAt         time.Time  `gorm:"not null" json:"uploaded_at"`
	SentToExtractionAt *time.Time `json:"sent_to_extraction_at"`
	ExtractionRunID    *uuid.UUID `gorm:"type:uuid" json:"extraction_run_id"`
	ProcessedAt        *time.Time `json:"processed_at"`
	CreatedAt          time.Time  `json:"created_at"`
}

func (a *Attachment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// ExtractedData holds the fields the extraction provider read from a receipt.
// There is at most one row per expense; later runs overwrite it.
type ExtractedData struct {
	ID            uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	ExpenseID     uuid.UUID           `gorm:"type:uuid;uniqueIndex;not null" json:"expense_id"`
	AttachmentID  uuid.UUID           `gorm:"type:uuid;not null" json:"attachment_id"`
	RunID         uuid.UUID           `gorm:"type:uuid;not null" json:"run_id"`
	Vendor        string              `gorm:"size:255" json:"vendor"`
	Amount        decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"amount"`
	Currency      string              `gorm:"size:3" json:"currency"`
	Date          string              `gorm:"size:32" json:"date"`
	InvoiceNumber string              `gorm:"size:100" json:"invoice_number"`
	Category      string              `gorm:"size:100" json:"category"`
	Confidence    float64             `gorm:"not null" json:"confidence"`
	ExtractedAt   time.Time           `gorm:"not null" json:"extracted_at"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (d *ExtractedData) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// SameFields reports whether two records carry identical extracted values.
func (d *ExtractedData) SameFields(o *ExtractedData) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.Amount.Valid != o.Amount.Valid {
		return false
	}
	if d.Amount.Valid && !d.Amount.Decimal.Equal(o.Amount.Decimal) {
		return false
	}
	return d.Vendor == o.Vendor &&
		d.Currency == o.Currency &&
		d.Date == o.Date &&
		d.InvoiceNumber == o.InvoiceNumber &&
		d.Category == o.Category &&
		d.Confidence == o.Confidence
}
