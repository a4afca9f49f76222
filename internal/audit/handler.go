package audit

import (
	"expense-backend/internal/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type AuditLogResponse struct {
	ID          uint       `json:"id"`
	CreatedAt   string     `json:"created_at"`
	UserID      *uuid.UUID `json:"user_id"`
	UserName    string     `json:"user_name"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Action      string     `json:"action"`
	Description string     `json:"description"`
	BeforeData  string     `json:"before_data"`
	AfterData   string     `json:"after_data"`
}

// GET /api/audit-logs?entity_type=expense&entity_id=<uuid>&user_id=<uuid>&limit=100
func ListAuditLogsHandler(w *Writer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		const op = "audit.ListAuditLogsHandler"
		f := Filter{
			EntityType: c.Query("entity_type"),
			EntityID:   c.Query("entity_id"),
			Limit:      c.QueryInt("limit", 200),
		}
		if s := c.Query("user_id"); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				return apperr.New(apperr.KindValidation, op, "user_id must be a uuid")
			}
			f.UserID = &id
		}

		logs, err := w.List(c.UserContext(), f)
		if err != nil {
			return apperr.External(op, "", err)
		}

		resp := make([]AuditLogResponse, 0, len(logs))
		for _, l := range logs {
			resp = append(resp, AuditLogResponse{
				ID:          l.ID,
				CreatedAt:   l.CreatedAt.Format("2006-01-02 15:04:05"),
				UserID:      l.UserID,
				UserName:    l.UserName,
				EntityType:  l.EntityType,
				EntityID:    l.EntityID,
				Action:      string(l.Action),
				Description: l.Description,
				BeforeData:  l.BeforeData,
				AfterData:   l.AfterData,
			})
		}
		return c.JSON(resp)
	}
}
