package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/dbx"
	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/repomanager"
)

// Refresh failure messages.
const (
	msgInvalidRefreshToken = "Invalid refresh token"
	msgRefreshTokenExpired = "Refresh token expired"
	msgUserNotFound        = "User not found"
	msgUserInactive        = "User account is inactive"
	msgForeignRefreshToken = "Refresh token belongs to another user"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// HashToken returns the stored form of a refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionService issues, refreshes and revokes refresh-token sessions.
// Refresh tokens are not rotated: a token stays valid until it expires or
// is revoked.
type SessionService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	tokens       *auth.Manager
	logger       logging.Logger
	queryTimeout time.Duration
	now          func() time.Time
}

// NewSessionService returns a SessionService storing refresh tokens through m.
func NewSessionService(db *sql.DB, m repomanager.RepositoryManager, tokens *auth.Manager, logger logging.Logger, queryTimeout time.Duration) *SessionService {
	return &SessionService{
		db:           db,
		repomanager:  m,
		tokens:       tokens,
		logger:       logger.With("module", "session_service"),
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
}

func (s *SessionService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.queryTimeout)
}

// IssueSession mints an access/refresh pair for user and stores the
// refresh token hash. The access token is never persisted.
func (s *SessionService) IssueSession(ctx context.Context, user *models.User) (*TokenPair, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.IssueSessionTx(ctx, s.db, user)
}

// IssueSessionTx is IssueSession on an existing DBTX.
func (s *SessionService) IssueSessionTx(ctx context.Context, db dbx.DBTX, user *models.User) (*TokenPair, error) {
	subject := auth.Identity{UserID: user.ID, Email: user.Email, Role: user.Role}

	access, err := s.tokens.IssueAccessToken(subject)
	if err != nil {
		return nil, s.internal(ctx, "issue access token", err)
	}
	refresh, expiresAt, err := s.tokens.Issue(auth.KindRefresh, subject)
	if err != nil {
		return nil, s.internal(ctx, "issue refresh token", err)
	}

	if err := s.repomanager.RefreshTokens(db).Create(ctx, user.ID, HashToken(refresh), expiresAt); err != nil {
		return nil, s.dbError(ctx, "store refresh token", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh exchanges a valid, stored refresh token of an active user for a
// new access token. Every failure is an authentication error.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	claims, err := s.tokens.Verify(refreshToken, auth.KindRefresh)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return "", common.Authentication(msgRefreshTokenExpired)
		}
		return "", common.Authentication(msgInvalidRefreshToken)
	}

	row, err := s.repomanager.RefreshTokens(s.db).Find(ctx, HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", common.Authentication(msgInvalidRefreshToken)
		}
		return "", s.dbError(ctx, "find refresh token", err)
	}
	if row.UserID != claims.UserID {
		return "", common.Authentication(msgInvalidRefreshToken)
	}
	if row.Expired(s.now()) {
		return "", common.Authentication(msgRefreshTokenExpired)
	}

	user, err := s.repomanager.Users(s.db).GetByID(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", common.Authentication(msgUserNotFound)
		}
		return "", s.dbError(ctx, "load user", err)
	}
	if !user.IsActive() {
		return "", common.Authentication(msgUserInactive)
	}

	access, err := s.tokens.IssueAccessToken(auth.Identity{UserID: user.ID, Email: user.Email, Role: user.Role})
	if err != nil {
		return "", s.internal(ctx, "issue access token", err)
	}
	return access, nil
}

// RevokeForUser deletes the session for refreshToken when userID owns it.
// Unknown tokens are ignored; a token of another user is an authorization
// error and stays valid.
func (s *SessionService) RevokeForUser(ctx context.Context, userID, refreshToken string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	repo := s.repomanager.RefreshTokens(s.db)
	hash := HashToken(refreshToken)

	row, err := repo.Find(ctx, hash)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return s.dbError(ctx, "find refresh token", err)
	}
	if row.UserID != userID {
		s.logger.Warn(ctx, "logout with a foreign refresh token", "user_id", userID)
		return common.Authorization(msgForeignRefreshToken)
	}

	if err := repo.Delete(ctx, hash); err != nil {
		return s.dbError(ctx, "revoke refresh token", err)
	}
	return nil
}

// RevokeAllForUser deletes every session owned by userID.
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.RevokeAllForUserTx(ctx, s.db, userID)
}

// RevokeAllForUserTx is RevokeAllForUser inside the caller's transaction.
func (s *SessionService) RevokeAllForUserTx(ctx context.Context, db dbx.DBTX, userID string) error {
	n, err := s.repomanager.RefreshTokens(db).DeleteAllForUser(ctx, userID)
	if err != nil {
		return s.dbError(ctx, "revoke user sessions", err)
	}
	s.logger.Info(ctx, "sessions revoked", "user_id", userID, "count", n)
	return nil
}

// PurgeExpired removes refresh tokens that can no longer be used.
func (s *SessionService) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.repomanager.RefreshTokens(s.db).DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, s.dbError(ctx, "purge expired refresh tokens", err)
	}
	return n, nil
}

func (s *SessionService) dbError(ctx context.Context, op string, err error) error {
	s.logger.Error(ctx, op, "error", err)
	return common.Database(err)
}

func (s *SessionService) internal(ctx context.Context, op string, err error) error {
	s.logger.Error(ctx, op, "error", err)
	return &common.Error{Kind: common.KindInternal, Message: "Internal server error", Err: err}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
