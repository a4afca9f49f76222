package expense

import (
	"crypto/subtle"

	"expense-backend/internal/apperr"
	"expense-backend/internal/reconcile"
	"expense-backend/internal/workflow"

	"github.com/gofiber/fiber/v2"
)

const SecretHeader = "X-Extraction-Secret"

// POST /api/extraction/callback
//
// Called by the extraction provider. Redelivered or stale callbacks answer
// 200 with status "duplicate" so the provider stops retrying. An empty secret
// refuses every callback.
func CallbackHandler(svc *workflow.Service, secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		const op = "expense.CallbackHandler"
		got := c.Get(SecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return apperr.New(apperr.KindAuthentication, op, "invalid callback secret")
		}

		var cb reconcile.Callback
		if err := c.BodyParser(&cb); err != nil {
			return apperr.New(apperr.KindValidation, op, "invalid request body")
		}
		if err := cb.Validate(); err != nil {
			return err
		}

		res, err := svc.ReconcileExtraction(c.UserContext(), cb)
		if err != nil {
			return err
		}

		status := "applied"
		if !res.Applied {
			status = "duplicate"
		}
		return c.JSON(fiber.Map{
			"status":            status,
			"expense_id":        res.Expense.ID,
			"processing_status": res.Expense.ProcessingStatus,
		})
	}
}
