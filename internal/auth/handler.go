package auth

import (
	"expense-backend/internal/apperr"
	"expense-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

func userJSON(u *models.User) fiber.Map {
	return fiber.Map{
		"id":         u.ID,
		"name":       u.Name,
		"email":      u.Email,
		"role":       u.Role,
		"department": u.Department,
	}
}

// POST /api/auth/register
func RegisterHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body RegisterRequest
		if err := c.BodyParser(&body); err != nil {
			return apperr.New(apperr.KindValidation, "auth.RegisterHandler", "invalid request body")
		}

		user, err := svc.Register(c.UserContext(), body)
		if err != nil {
			return err
		}

		token, err := GenerateToken(svc.secret, user)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not issue token")
		}

		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"token": token,
			"user":  userJSON(user),
		})
	}
}

// POST /api/auth/login
func LoginHandler(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body LoginRequest
		if err := c.BodyParser(&body); err != nil {
			return apperr.New(apperr.KindValidation, "auth.LoginHandler", "invalid request body")
		}

		user, token, err := svc.Authenticate(c.UserContext(), body)
		if err != nil {
			return err
		}

		return c.JSON(fiber.Map{
			"token": token,
			"user":  userJSON(user),
		})
	}
}

// GET /api/auth/me
func MeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, ok := c.Locals(CtxUserKey).(*models.User)
		if !ok {
			return apperr.New(apperr.KindAuthentication, "auth.MeHandler", "please sign in")
		}
		return c.JSON(userJSON(user))
	}
}
