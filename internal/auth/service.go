// Package auth owns user registration, credential checks and bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"techdispatch/dispatch-service/internal/models"
	"techdispatch/dispatch-service/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// AdminSignup lets Register create admins even after one exists. When off,
	// self-registration as admin only works while there is no admin yet.
	AdminSignup bool
}

type Service struct {
	users  store.UserStore
	tokens *TokenIssuer
	opts   Options
	log    *logrus.Entry
	now    func() time.Time
}

type RegisterInput struct {
	Name        string
	Email       string
	Password    string
	Role        string
	MessagingID string
}

// Session is what a successful register or login hands back to the caller.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      models.User `json:"user"`
}

func NewService(users store.UserStore, tokens *TokenIssuer, opts Options, log *logrus.Entry) *Service {
	return &Service{users: users, tokens: tokens, opts: opts, log: log, now: time.Now}
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, error) {
	if strings.TrimSpace(input.Role) == models.RoleAdmin && !s.opts.AdminSignup {
		admins, err := s.users.ListUsersByRole(ctx, models.RoleAdmin)
		if err != nil {
			return Session{}, err
		}
		if len(admins) > 0 {
			return Session{}, fmt.Errorf("%w: admin sign-up is closed", store.ErrAccessDenied)
		}
	}
	user, err := s.createUser(ctx, input)
	if err != nil {
		return Session{}, err
	}
	return s.session(user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.users.FindUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return Session{}, store.ErrInvalidCredentials
		}
		return Session{}, err
	}
	if !CheckPassword(user.PasswordHash, password) {
		return Session{}, store.ErrInvalidCredentials
	}
	return s.session(user)
}

// Authenticate resolves a bearer token to the current user record.
func (s *Service) Authenticate(ctx context.Context, token string) (models.User, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return models.User{}, err
	}
	user, err := s.users.FindUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return models.User{}, ErrTokenInvalid
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) ChangePassword(ctx context.Context, caller models.User, oldPassword, newPassword string) error {
	current, err := s.users.FindUserByID(ctx, caller.ID)
	if err != nil {
		return err
	}
	if !CheckPassword(current.PasswordHash, oldPassword) {
		return store.ErrInvalidCredentials
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, caller.ID, hash); err != nil {
		return err
	}
	s.log.WithField("operation", "change_password").WithField("user_id", caller.ID).Info("password changed")
	return nil
}

// SetMessagingID links or, with an empty id, unlinks the caller's external messaging identity.
func (s *Service) SetMessagingID(ctx context.Context, caller models.User, messagingID string) (models.User, error) {
	messagingID = strings.TrimSpace(messagingID)
	if err := s.users.UpdateMessagingID(ctx, caller.ID, messagingID); err != nil {
		return models.User{}, err
	}
	return s.users.FindUserByID(ctx, caller.ID)
}

func (s *Service) ProvisionTechnician(ctx context.Context, caller models.User, input RegisterInput) (models.User, error) {
	if !caller.IsAdmin() {
		return models.User{}, fmt.Errorf("%w: admin role required", store.ErrAccessDenied)
	}
	input.Role = models.RoleTechnician
	user, err := s.createUser(ctx, input)
	if err != nil {
		return models.User{}, err
	}
	s.log.WithField("operation", "provision_technician").WithField("user_id", user.ID).Info("technician provisioned")
	return user, nil
}

func (s *Service) ListTechnicians(ctx context.Context, caller models.User) ([]models.User, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", store.ErrAccessDenied)
	}
	users, err := s.users.ListUsersByRole(ctx, models.RoleTechnician)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []models.User{}
	}
	return users, nil
}

// EnsureAdmin creates the bootstrap admin unless the email is already registered.
func (s *Service) EnsureAdmin(ctx context.Context, name, email, password string) (bool, error) {
	_, err := s.users.FindUserByEmail(ctx, normalizeEmail(email))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return false, err
	}
	if _, err := s.createUser(ctx, RegisterInput{Name: name, Email: email, Password: password, Role: models.RoleAdmin}); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) createUser(ctx context.Context, input RegisterInput) (models.User, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Email = normalizeEmail(input.Email)
	input.Role = strings.TrimSpace(input.Role)
	if input.Role == "" {
		input.Role = models.RoleTechnician
	}
	switch {
	case input.Name == "" || input.Email == "" || input.Password == "":
		return models.User{}, fmt.Errorf("%w: name, email, and password are required", store.ErrInvalidInput)
	case !strings.Contains(input.Email, "@"):
		return models.User{}, fmt.Errorf("%w: email is malformed", store.ErrInvalidInput)
	case !models.ValidRole(input.Role):
		return models.User{}, fmt.Errorf("%w: role must be admin or technician", store.ErrInvalidInput)
	}
	if err := validatePassword(input.Password); err != nil {
		return models.User{}, err
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           uuid.NewString(),
		Name:         input.Name,
		Email:        input.Email,
		PasswordHash: hash,
		Role:         input.Role,
		CreatedAt:    s.now().UTC(),
		MessagingID:  strings.TrimSpace(input.MessagingID),
	}
	if err := s.users.InsertUser(ctx, user); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) session(user models.User) (Session, error) {
	token, expiresAt, err := s.tokens.Issue(user.ID, user.Role)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
