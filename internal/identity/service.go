// Package identity manages the users that create and comment on incidents.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/incident-ledger/internal/domain"
	"github.com/bissquit/incident-ledger/internal/pkg/ctxlog"
	"github.com/google/uuid"
)

// Service implements user business logic.
type Service struct {
	repo Repository
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateUserInput holds data for creating a user.
type CreateUserInput struct {
	Name  string
	Email string
}

// CreateUser creates a user. Emails are compared case-insensitively.
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (*domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))

	_, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return nil, ErrUserAlreadyExists
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("check email: %w", err)
	}

	user := &domain.User{
		Name:  strings.TrimSpace(input.Name),
		Email: email,
	}
	// A concurrent insert can still win; the repository reports it as
	// ErrUserAlreadyExists.
	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUserAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	ctxlog.FromContext(ctx).Info("user created", "user_id", user.ID)
	return user, nil
}

// GetUser retrieves a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	if uuid.Validate(id) != nil {
		return nil, ErrUserNotFound
	}
	return s.repo.GetUserByID(ctx, id)
}

// UserExists reports whether a user with id exists.
func (s *Service) UserExists(ctx context.Context, id string) (bool, error) {
	if uuid.Validate(id) != nil {
		return false, nil
	}
	return s.repo.UserExists(ctx, id)
}
