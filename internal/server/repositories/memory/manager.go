// Package memory is a map-backed RepositoryManager. It mirrors the
// PostgreSQL repositories' observable behavior (case-insensitive unique
// emails, not-found sentinels, generated ids) but ignores the DBTX it is
// handed, so writes inside a transaction are not rolled back.
package memory

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/dbx"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/users"
	"github.com/google/uuid"
)

// InMemoryRepositoryManager holds all state behind one mutex.
type InMemoryRepositoryManager struct {
	mu     sync.Mutex
	users  map[string]*models.User
	tokens map[string]*models.RefreshToken
	now    func() time.Time
}

// NewInMemoryRepositoryManager returns an empty store.
func NewInMemoryRepositoryManager() *InMemoryRepositoryManager {
	return &InMemoryRepositoryManager{
		users:  map[string]*models.User{},
		tokens: map[string]*models.RefreshToken{},
		now:    time.Now,
	}
}

func (m *InMemoryRepositoryManager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *InMemoryRepositoryManager) Users(dbx.DBTX) users.Repository { return (*userRepo)(m) }

func (m *InMemoryRepositoryManager) RefreshTokens(dbx.DBTX) refreshtokens.Repository {
	return (*tokenRepo)(m)
}

// TokenCount reports how many refresh tokens userID holds.
func (m *InMemoryRepositoryManager) TokenCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.UserID == userID {
			n++
		}
	}
	return n
}

type userRepo InMemoryRepositoryManager

func clone(u *models.User) *models.User {
	c := *u
	return &c
}

func (r *userRepo) Create(_ context.Context, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := models.NormalizeEmail(user.Email)
	for _, u := range r.users {
		if models.NormalizeEmail(u.Email) == key {
			return nil, common.ErrorAlreadyExists
		}
	}

	now := r.now()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = clone(user)
	return user, nil
}

func (r *userRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return clone(u), nil
}

func (r *userRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := models.NormalizeEmail(email)
	for _, u := range r.users {
		if models.NormalizeEmail(u.Email) == key {
			return clone(u), nil
		}
	}
	return nil, common.ErrorNotFound
}

// update applies fn to the stored user and returns a copy.
func (r *userRepo) update(id string, fn func(u *models.User)) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	fn(u)
	u.UpdatedAt = r.now()
	return clone(u), nil
}

func (r *userRepo) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	_, err := r.update(id, func(u *models.User) { u.LastLogin = &at })
	return err
}

func (r *userRepo) UpdatePassword(_ context.Context, id string, passwordHash string) error {
	_, err := r.update(id, func(u *models.User) { u.PasswordHash = passwordHash })
	return err
}

func (r *userRepo) UpdateProfile(_ context.Context, id string, firstName, lastName string, phone *string) (*models.User, error) {
	return r.update(id, func(u *models.User) {
		u.FirstName = firstName
		u.LastName = lastName
		u.Phone = phone
	})
}

func (r *userRepo) UpdateStatus(_ context.Context, id string, status models.Status) (*models.User, error) {
	return r.update(id, func(u *models.User) { u.Status = status })
}

func (r *userRepo) UpdateRole(_ context.Context, id string, role models.Role) (*models.User, error) {
	return r.update(id, func(u *models.User) { u.Role = role })
}

type tokenRepo InMemoryRepositoryManager

func (r *tokenRepo) Create(_ context.Context, userID string, tokenHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[tokenHash]; ok {
		return common.ErrorAlreadyExists
	}
	r.tokens[tokenHash] = &models.RefreshToken{
		ID: uuid.NewString(), UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt, CreatedAt: r.now(),
	}
	return nil
}

func (r *tokenRepo) Find(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenHash]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *t
	return &c, nil
}

func (r *tokenRepo) Delete(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, tokenHash)
	return nil
}

func (r *tokenRepo) DeleteAllForUser(_ context.Context, userID string) (int64, error) {
	return r.deleteWhere(func(t *models.RefreshToken) bool { return t.UserID == userID }), nil
}

func (r *tokenRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(func(t *models.RefreshToken) bool { return t.Expired(now) }), nil
}

func (r *tokenRepo) deleteWhere(match func(t *models.RefreshToken) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, t := range r.tokens {
		if match(t) {
			delete(r.tokens, k)
			n++
		}
	}
	return n
}
