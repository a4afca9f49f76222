// Package store persists expenses, attachments, extracted data and user
// profiles with GORM. Every expense write is a compare-and-set on the
// version column.
package store

import (
	"context"
	"errors"
	"time"

	"expense-backend/internal/apperr"
	"expense-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Mutation is one atomic write of an expense aggregate.
type Mutation struct {
	// Expense carries the new field values. Its Version is set to
	// ExpectedVersion+1 when the write succeeds.
	Expense         *models.Expense
	ExpectedVersion int64

	NewAttachments []models.Attachment
	// Attachment, when set, has its extraction columns rewritten.
	Attachment *models.Attachment
	// Extracted, when set, replaces the expense's extracted data row.
	Extracted *models.ExtractedData
}

// ListFilter narrows ListExpenses. Zero values match everything.
type ListFilter struct {
	OwnerID *uuid.UUID
	Status  models.ExpenseStatus
	Limit   int
}

func translate(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.New(apperr.KindNotFound, op, "record not found").WithEntity(id)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Wrap(apperr.KindConflict, op, id, err)
	default:
		return apperr.External(op, id, err)
	}
}

func withAttachments(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Attachments", func(db *gorm.DB) *gorm.DB {
			return db.Order("uploaded_at ASC, id ASC")
		}).
		Preload("ExtractedData")
}

// CreateExpense inserts the expense together with its attachments.
func (s *Store) CreateExpense(ctx context.Context, e *models.Expense) error {
	err := s.db.WithContext(ctx).Create(e).Error
	return translate("store.CreateExpense", e.ID.String(), err)
}

func (s *Store) GetExpense(ctx context.Context, id uuid.UUID) (*models.Expense, error) {
	var e models.Expense
	err := withAttachments(s.db.WithContext(ctx)).First(&e, "id = ?", id).Error
	if err != nil {
		return nil, translate("store.GetExpense", id.String(), err)
	}
	return &e, nil
}

// ListExpenses returns expenses newest first, with attachments and extracted
// data.
func (s *Store) ListExpenses(ctx context.Context, f ListFilter) ([]models.Expense, error) {
	q := withAttachments(s.db.WithContext(ctx)).Order("created_at DESC, id DESC")
	if f.OwnerID != nil {
		q = q.Where("owner_id = ?", *f.OwnerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var list []models.Expense
	if err := q.Find(&list).Error; err != nil {
		return nil, translate("store.ListExpenses", "", err)
	}
	return list, nil
}

func (s *Store) GetAttachment(ctx context.Context, id uuid.UUID) (*models.Attachment, error) {
	var a models.Attachment
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, translate("store.GetAttachment", id.String(), err)
	}
	return &a, nil
}

// ListStaleExtractions returns the ids of expenses whose extraction started
// before the cutoff and never finished.
func (s *Store) ListStaleExtractions(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&models.Expense{}).
		Where("processing_status = ? AND extraction_started_at < ?", models.ProcessingExtracting, before).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, translate("store.ListStaleExtractions", "", err)
	}
	return ids, nil
}

// Apply writes m in a single transaction. It fails with Conflict when the
// stored version no longer matches ExpectedVersion and with NotFound when the
// expense is gone; nothing is written in either case.
func (s *Store) Apply(ctx context.Context, m Mutation) error {
	const op = "store.Apply"
	e := m.Expense
	id := e.ID.String()
	next := m.ExpectedVersion + 1
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Expense{}).
			Where("id = ? AND version = ?", e.ID, m.ExpectedVersion).
			Updates(map[string]any{
				"title":                    e.Title,
				"amount":                   e.Amount,
				"currency":                 e.Currency,
				"category":                 e.Category,
				"date":                     e.Date,
				"description":              e.Description,
				"status":                   e.Status,
				"submitted_by":             e.SubmittedBy,
				"submitted_at":             e.SubmittedAt,
				"approved_by":              e.ApprovedBy,
				"approved_at":              e.ApprovedAt,
				"rejected_by":              e.RejectedBy,
				"rejected_at":              e.RejectedAt,
				"rejection_reason":         e.RejectionReason,
				"paid_by":                  e.PaidBy,
				"paid_at":                  e.PaidAt,
				"processing_status":        e.ProcessingStatus,
				"extraction_run_id":        e.ExtractionRunID,
				"extraction_attachment_id": e.ExtractionAttachmentID,
				"extraction_started_at":    e.ExtractionStartedAt,
				"version":                  next,
				"updated_at":               now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missingOrStale(tx, op, e.ID)
		}

		if len(m.NewAttachments) > 0 {
			for i := range m.NewAttachments {
				m.NewAttachments[i].ExpenseID = e.ID
			}
			if err := tx.Create(&m.NewAttachments).Error; err != nil {
				return err
			}
		}

		if a := m.Attachment; a != nil {
			res := tx.Model(&models.Attachment{}).
				Where("id = ? AND expense_id = ?", a.ID, e.ID).
				Updates(map[string]any{
					"sent_to_extraction_at": a.SentToExtractionAt,
					"extraction_run_id":     a.ExtractionRunID,
					"processed_at":          a.ProcessedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.New(apperr.KindNotFound, op, "attachment not found").WithEntity(a.ID.String())
			}
		}

		if d := m.Extracted; d != nil {
			d.ExpenseID = e.ID
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "expense_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"attachment_id", "run_id", "vendor", "amount", "currency", "date",
					"invoice_number", "category", "confidence", "extracted_at", "updated_at",
				}),
			}).Create(d).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translate(op, id, err)
	}
	e.Version = next
	return nil
}

func missingOrStale(tx *gorm.DB, op string, id uuid.UUID) error {
	var n int64
	if err := tx.Model(&models.Expense{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.KindNotFound, op, "expense not found").WithEntity(id.String())
	}
	return apperr.New(apperr.KindConflict, op, "expense was modified concurrently, reload and retry").WithEntity(id.String())
}

// DeleteExpense removes the expense and everything hanging off it, provided
// the stored version still matches.
func (s *Store) DeleteExpense(ctx context.Context, id uuid.UUID, version int64) error {
	const op = "store.DeleteExpense"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expense_id = ?", id).Delete(&models.ExtractedData{}).Error; err != nil {
			return err
		}
		if err := tx.Where("expense_id = ?", id).Delete(&models.Attachment{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND version = ?", id, version).Delete(&models.Expense{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return missingOrStale(tx, op, id)
		}
		return nil
	})
	return translate(op, id.String(), err)
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate("store.GetUser", id.String(), err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		return nil, translate("store.GetUserByEmail", email, err)
	}
	return &u, nil
}

// CreateUser inserts u. A taken email is reported as Conflict.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	err := s.db.WithContext(ctx).Create(u).Error
	return translate("store.CreateUser", u.Email, err)
}
