package auth

import (
	"strings"

	"expense-backend/internal/apperr"
	"expense-backend/internal/lifecycle"
	"expense-backend/internal/models"

	"github.com/gofiber/fiber/v2"
)

const (
	CtxActorKey = "actor"
	CtxUserKey  = "user"
)

// JWTMiddleware verifies the bearer token and stores the caller's profile.
// The role is read from the profile, not the token, so role changes apply
// without re-login.
func JWTMiddleware(svc *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		const op = "auth.JWTMiddleware"
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return apperr.New(apperr.KindAuthentication, op, "authorization header is missing")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return apperr.New(apperr.KindAuthentication, op, "authorization header must be 'Bearer <token>'")
		}

		claims, err := ParseToken(svc.secret, parts[1])
		if err != nil {
			return apperr.New(apperr.KindAuthentication, op, "invalid or expired token")
		}

		user, err := svc.EnsureProfile(c.UserContext(), claims)
		if err != nil {
			return err
		}

		c.Locals(CtxUserKey, user)
		c.Locals(CtxActorKey, lifecycle.Actor{ID: user.ID, Role: user.Role, Name: user.Name})
		return c.Next()
	}
}

func RequireRole(allowedRoles ...models.UserRole) fiber.Handler {
	return func(c *fiber.Ctx) error {
		actor, err := ActorFrom(c)
		if err != nil {
			return err
		}
		for _, r := range allowedRoles {
			if r == actor.Role {
				return c.Next()
			}
		}
		return apperr.New(apperr.KindAuthorization, "auth.RequireRole", "you are not allowed to perform this action")
	}
}

// ActorFrom returns the authenticated caller stored by JWTMiddleware.
func ActorFrom(c *fiber.Ctx) (lifecycle.Actor, error) {
	actor, ok := c.Locals(CtxActorKey).(lifecycle.Actor)
	if !ok || !actor.Authenticated() {
		return lifecycle.Actor{}, apperr.New(apperr.KindAuthentication, "auth.ActorFrom", "please sign in")
	}
	return actor, nil
}
