package auth

import (
	"context"
	"errors"
	"strings"

	"expense-backend/internal/apperr"
	"expense-backend/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// managementDepartment is where self-registered managers are placed.
const managementDepartment = "Management"

type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
}

type Service struct {
	users    UserStore
	secret   string
	validate *validator.Validate
	cost     int
}

func NewService(users UserStore, secret string) *Service {
	return &Service{
		users:    users,
		secret:   secret,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cost:     bcrypt.DefaultCost,
	}
}

type RegisterRequest struct {
	Name     string          `json:"name" validate:"required,max=100"`
	Email    string          `json:"email" validate:"required,email,max=100"`
	Password string          `json:"password" validate:"required,min=8,max=72"`
	Role     models.UserRole `json:"role" validate:"omitempty,oneof=employee manager"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func invalid(op string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Newf(apperr.KindValidation, op, "%s is invalid (%s)", strings.ToLower(fe.Field()), fe.Tag())
	}
	return apperr.Wrap(apperr.KindValidation, op, "", err)
}

// Register creates a password account. Admins cannot self-register.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	const op = "auth.Register"
	req.Email = normalizeEmail(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, invalid(op, err)
	}
	if req.Role == "" {
		req.Role = models.RoleEmployee
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, "", err)
	}

	dept := models.DefaultDepartment
	if req.Role == models.RoleManager {
		dept = managementDepartment
	}
	user := &models.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         req.Role,
		Department:   dept,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			return nil, apperr.New(apperr.KindConflict, op, "email is already registered")
		}
		return nil, err
	}
	return user, nil
}

// Authenticate checks the credentials and returns the user with a fresh token.
func (s *Service) Authenticate(ctx context.Context, req LoginRequest) (*models.User, string, error) {
	const op = "auth.Authenticate"
	req.Email = normalizeEmail(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return nil, "", invalid(op, err)
	}

	wrong := apperr.New(apperr.KindAuthentication, op, "invalid email or password")
	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, "", wrong
		}
		return nil, "", err
	}
	if user.PasswordHash == "" {
		return nil, "", wrong
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, "", wrong
	}

	token, err := GenerateToken(s.secret, user)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindAuthentication, op, user.ID.String(), err)
	}
	return user, token, nil
}

// EnsureProfile returns the profile a verified token refers to, creating a
// default employee profile on first sight.
func (s *Service) EnsureProfile(ctx context.Context, claims *JWTCustomClaims) (*models.User, error) {
	const op = "auth.EnsureProfile"
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthentication, op, "token carries no valid user id")
	}

	user, err := s.users.GetUser(ctx, id)
	if err == nil {
		return user, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	email := normalizeEmail(claims.Email)
	if email == "" {
		return nil, apperr.New(apperr.KindAuthentication, op, "token carries no email")
	}
	name := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		name = email[:at]
	}
	user = &models.User{
		ID:         id,
		Name:       name,
		Email:      email,
		Role:       models.RoleEmployee,
		Department: models.DefaultDepartment,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			// Provisioned concurrently.
			return s.users.GetUser(ctx, id)
		}
		return nil, err
	}
	return user, nil
}
