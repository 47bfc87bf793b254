// Package refreshtokens declares the server-side repository contract for
// refresh-token sessions and its PostgreSQL implementation. Tokens are
// addressed by their SHA-256 hash; raw tokens never reach the store.
package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/server/models"
)

// Repository defines operations for persisting, retrieving, and revoking refresh tokens.
type Repository interface {
	// Create stores a refresh token hash for userID valid until expiresAt.
	Create(ctx context.Context, userID string, tokenHash string, expiresAt time.Time) error

	// Find returns the row for tokenHash, or common.ErrorNotFound.
	Find(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// Delete removes the row for tokenHash. Deleting an absent token is not an error.
	Delete(ctx context.Context, tokenHash string) error

	// DeleteAllForUser removes every token owned by userID and reports how many.
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)

	// DeleteExpired purges rows that expired at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
