package identity

import (
	"context"

	"github.com/bissquit/incident-ledger/internal/domain"
)

// Repository defines the interface for user storage.
type Repository interface {
	// CreateUser returns ErrUserAlreadyExists when the email is taken.
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UserExists(ctx context.Context, id string) (bool, error)
}
