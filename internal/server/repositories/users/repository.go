// Package users declares the user repository contract and its PostgreSQL
// implementation.
package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/server/models"
)

// Repository persists user accounts. Lookups return common.ErrorNotFound
// for missing rows; Create returns common.ErrorAlreadyExists on a duplicate
// email.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id string, passwordHash string) error
	UpdateProfile(ctx context.Context, id string, firstName, lastName string, phone *string) (*models.User, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) (*models.User, error)
	UpdateRole(ctx context.Context, id string, role models.Role) (*models.User, error)
}
