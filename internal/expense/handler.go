package expense

import (
	"strings"
	"time"

	"expense-backend/internal/apperr"
	"expense-backend/internal/auth"
	"expense-backend/internal/models"
	"expense-backend/internal/workflow"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateExpenseRequest struct {
	Title       string                     `json:"title"`
	Amount      decimal.Decimal            `json:"amount"`
	Currency    string                     `json:"currency"`
	Category    string                     `json:"category"`
	Date        string                     `json:"date"` // "2026-05-30"
	Description string                     `json:"description"`
	Submit      bool                       `json:"submit"`
	Attachments []workflow.AttachmentInput `json:"attachments"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type ExpenseResponse struct {
	ID               uuid.UUID               `json:"id"`
	OwnerID          uuid.UUID               `json:"owner_id"`
	Title            string                  `json:"title"`
	Amount           decimal.Decimal         `json:"amount"`
	Currency         string                  `json:"currency"`
	Category         string                  `json:"category"`
	Date             string                  `json:"date"`
	Description      string                  `json:"description"`
	Status           models.ExpenseStatus    `json:"status"`
	ProcessingStatus models.ProcessingStatus `json:"processing_status"`
	SubmittedBy      *uuid.UUID              `json:"submitted_by"`
	SubmittedAt      *time.Time              `json:"submitted_at"`
	ApprovedBy       *uuid.UUID              `json:"approved_by"`
	ApprovedAt       *time.Time              `json:"approved_at"`
	RejectedBy       *uuid.UUID              `json:"rejected_by"`
	RejectedAt       *time.Time              `json:"rejected_at"`
	RejectionReason  string                  `json:"rejection_reason,omitempty"`
	PaidBy           *uuid.UUID              `json:"paid_by"`
	PaidAt           *time.Time              `json:"paid_at"`
	Version          int64                   `json:"version"`
	Attachments      []models.Attachment     `json:"attachments"`
	ExtractedData    *models.ExtractedData   `json:"extracted_data"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

func toResponse(e *models.Expense) ExpenseResponse {
	atts := e.Attachments
	if atts == nil {
		atts = []models.Attachment{}
	}
	return ExpenseResponse{
		ID:               e.ID,
		OwnerID:          e.OwnerID,
		Title:            e.Title,
		Amount:           e.Amount,
		Currency:         e.Currency,
		Category:         e.Category,
		Date:             e.Date.Format("2006-01-02"),
		Description:      e.Description,
		Status:           e.Status,
		ProcessingStatus: e.ProcessingStatus,
		SubmittedBy:      e.SubmittedBy,
		SubmittedAt:      e.SubmittedAt,
		ApprovedBy:       e.ApprovedBy,
		ApprovedAt:       e.ApprovedAt,
		RejectedBy:       e.RejectedBy,
		RejectedAt:       e.RejectedAt,
		RejectionReason:  e.RejectionReason,
		PaidBy:           e.PaidBy,
		PaidAt:           e.PaidAt,
		Version:          e.Version,
		Attachments:      atts,
		ExtractedData:    e.ExtractedData,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func paramID(c *fiber.Ctx, op string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.KindValidation, op, "id must be a uuid")
	}
	return id, nil
}

// byIDHandler covers the routes that take only an id and answer with the expense.
func byIDHandler(op string, fn func(c *fiber.Ctx, id uuid.UUID) (*models.Expense, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c, op)
		if err != nil {
			return err
		}
		e, err := fn(c, id)
		if err != nil {
			return err
		}
		return c.JSON(toResponse(e))
	}
}

// POST /api/expenses
func CreateExpenseHandler(svc *workflow.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		const op = "expense.CreateExpenseHandler"
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return err
		}

		var body CreateExpenseRequest
		if err := c.BodyParser(&body); err != nil {
			return apperr.New(apperr.KindValidation, op, "invalid request body")
		}
		date, err := time.Parse("2006-01-02", strings.TrimSpace(body.Date))
		if err != nil {
			return apperr.New(apperr.KindValidation, op, "date must be formatted as YYYY-MM-DD")
		}

		e, err := svc.CreateExpense(c.UserContext(), actor, workflow.Draft{
			Title:       body.Title,
			Amount:      body.Amount,
			Currency:    body.Currency,
			Category:    body.Category,
			Date:        date,
			Description: body.Description,
			Submit:      body.Submit,
			Attachments: body.Attachments,
		})
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(toResponse(e))
	}
}

// GET /api/expenses?status=submitted
func ListExpensesHandler(svc *workflow.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return err
		}

		list, err := svc.ListExpenses(c.UserContext(), actor, models.ExpenseStatus(c.Query("status")))
		if err != nil {
			return err
		}

		res := make([]ExpenseResponse, 0, len(list))
		for i := range list {
			res = append(res, toResponse(&list[i]))
		}
		return c.JSON(res)
	}
}

// GET /api/expenses/:id
func GetExpenseHandler(svc *workflow.Service) fiber.Handler {
	return byIDHandler("expense.GetExpenseHandler", func(c *fiber.Ctx, id uuid.UUID) (*models.Expense, error) {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return nil, err
		}
		return svc.GetExpense(c.UserContext(), actor, id)
	})
}

// DELETE /api/expenses/:id
func DeleteExpenseHandler(svc *workflow.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, "expense.DeleteExpenseHandler")
		if err != nil {
			return err
		}
		if err := svc.DeleteExpense(c.UserContext(), actor, id); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// POST /api/expenses/:id/submit
func SubmitExpenseHandler(svc *workflow.Service) fiber.Handler {
	return byIDHandler("expense.SubmitExpenseHandler", func(c *fiber.Ctx, id uuid.UUID) (*models.Expense, error) {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return nil, err
		}
		return svc.SubmitExpense(c.UserContext(), actor, id)
	})
}

// POST /api/expenses/:id/approve (manager, admin)
func ApproveExpenseHandler(svc *workflow.Service) fiber.Handler {
	return byIDHandler("expense.ApproveExpenseHandler", func(c *fiber.Ctx, id uuid.UUID) (*models.Expense, error) {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return nil, err
		}
		return svc.Approve(c.UserContext(), actor, id)
	})
}

// POST /api/expenses/:id/reject {"reason": "..."} (manager, admin)
func RejectExpenseHandler(svc *workflow.Service) fiber.Handler {
	return byIDHandler("expense.RejectExpenseHandler", func(c *fiber.Ctx, id uuid.UUID) (*models.Expense, error) {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return nil, err
		}
		var body RejectRequest
		if err := c.BodyParser(&body); err != nil {
			return nil, apperr.New(apperr.KindValidation, "expense.RejectExpenseHandler", "invalid request body")
		}
		return svc.Reject(c.UserContext(), actor, id, body.Reason)
	})
}

// POST /api/expenses/:id/pay (admin)
func PayExpenseHandler(svc *workflow.Service) fiber.Handler {
	return byIDHandler("expense.PayExpenseHandler", func(c *fiber.Ctx, id uuid.UUID) (*models.Expense, error) {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return nil, err
		}
		return svc.MarkPaid(c.UserContext(), actor, id)
	})
}

// POST /api/expenses/:id/attachments
func AddAttachmentHandler(svc *workflow.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		const op = "expense.AddAttachmentHandler"
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return err
		}
		id, err := paramID(c, op)
		if err != nil {
			return err
		}
		var body workflow.AttachmentInput
		if err := c.BodyParser(&body); err != nil {
			return apperr.New(apperr.KindValidation, op, "invalid request body")
		}

		e, err := svc.AddAttachment(c.UserContext(), actor, id, body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(toResponse(e))
	}
}

// POST /api/attachments/:id/extraction
func DispatchExtractionHandler(svc *workflow.Service) fiber.Handler {
	return byIDHandler("expense.DispatchExtractionHandler", func(c *fiber.Ctx, id uuid.UUID) (*models.Expense, error) {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return nil, err
		}
		return svc.DispatchExtraction(c.UserContext(), actor, id)
	})
}

// POST /api/attachments/:id/extraction/retry
func RetryExtractionHandler(svc *workflow.Service) fiber.Handler {
	return byIDHandler("expense.RetryExtractionHandler", func(c *fiber.Ctx, id uuid.UUID) (*models.Expense, error) {
		actor, err := auth.ActorFrom(c)
		if err != nil {
			return nil, err
		}
		return svc.RetryExtraction(c.UserContext(), actor, id)
	})
}

// Register mounts the expense routes on a group protected by
// auth.JWTMiddleware.
func Register(r fiber.Router, svc *workflow.Service) {
	r.Get("/expenses", ListExpensesHandler(svc))
	r.Post("/expenses", CreateExpenseHandler(svc))
	r.Get("/expenses/:id", GetExpenseHandler(svc))
	r.Delete("/expenses/:id", DeleteExpenseHandler(svc))
	r.Post("/expenses/:id/submit", SubmitExpenseHandler(svc))
	r.Post("/expenses/:id/approve", auth.RequireRole(models.RoleManager, models.RoleAdmin), ApproveExpenseHandler(svc))
	r.Post("/expenses/:id/reject", auth.RequireRole(models.RoleManager, models.RoleAdmin), RejectExpenseHandler(svc))
	r.Post("/expenses/:id/pay", auth.RequireRole(models.RoleAdmin), PayExpenseHandler(svc))
	r.Post("/expenses/:id/attachments", AddAttachmentHandler(svc))

	r.Post("/attachments/:id/extraction", DispatchExtractionHandler(svc))
	r.Post("/attachments/:id/extraction/retry", RetryExtractionHandler(svc))
}
