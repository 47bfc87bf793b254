// Package services contains server-side business logic. UserService runs
// the account flows (registration, login, password change, profile and
// admin updates) and the authentication gate; SessionService owns refresh
// token sessions.
package services

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/dbx"
	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/events"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/dmitrijs2005/estateauth/internal/server/password"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

const (
	msgInvalidCredentials = "Invalid email or password"
	msgAccountInactive    = "Account is inactive"
	msgEmailTaken         = "User with this email already exists"
	msgWrongPassword      = "Current password is incorrect"
	msgTokenExpired       = "Token expired"
	msgInvalidToken       = "Invalid token"
	msgPasswordTooLong    = "Password must be at most 72 bytes"
)

// RegisterInput is a validated registration request.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     *string
}

// ProfileInput is a validated profile update.
type ProfileInput struct {
	FirstName string
	LastName  string
	Phone     *string
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	User         *models.PublicUser `json:"user"`
	AccessToken  string             `json:"accessToken"`
	RefreshToken string             `json:"refreshToken"`
}

// UserService implements the account flows.
type UserService struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	hasher       password.Hasher
	tokens       *auth.Manager
	sessions     *SessionService
	publisher    events.Publisher
	logger       logging.Logger
	queryTimeout time.Duration
	now          func() time.Time

	// dummyHash is verified against when the email is unknown, so both
	// login failures cost one hash comparison.
	dummyOnce sync.Once
	dummyHash string
}

// NewUserService builds the account flows. Sessions are issued and revoked
// through sessions; a nil publisher disables events. Every store call is
// bounded by queryTimeout.
func NewUserService(db *sql.DB, m repomanager.RepositoryManager, hasher password.Hasher, tokens *auth.Manager,
	sessions *SessionService, publisher events.Publisher, logger logging.Logger, queryTimeout time.Duration) *UserService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &UserService{
		db:           db,
		repomanager:  m,
		hasher:       hasher,
		tokens:       tokens,
		sessions:     sessions,
		publisher:    publisher,
		logger:       logger.With("module", "user_service"),
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
}

// Register creates a CLIENT account and signs it in.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.newUser(ctx, in, models.RoleClient)
	if err != nil {
		return nil, err
	}

	var pair *TokenPair
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.createUser(ctx, tx, user); err != nil {
			return err
		}
		var err error
		pair, err = s.sessions.IssueSessionTx(ctx, tx, user)
		return err
	})
	if err != nil {
		return nil, s.classify(ctx, "register", err)
	}

	s.logger.Info(ctx, "user registered", "user_id", user.ID)
	s.publish(ctx, events.UserRegistered, user)

	return &AuthResult{User: user.Public(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// CreateUser creates an account with role without signing it in.
func (s *UserService) CreateUser(ctx context.Context, in RegisterInput, role models.Role) (*models.PublicUser, error) {
	if !role.Valid() {
		return nil, common.Validation("Invalid role")
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.newUser(ctx, in, role)
	if err != nil {
		return nil, err
	}
	if err := s.createUser(ctx, s.db, user); err != nil {
		return nil, s.classify(ctx, "create user", err)
	}

	s.logger.Info(ctx, "user created", "user_id", user.ID, "role", role)
	s.publish(ctx, events.UserRegistered, user)
	return user.Public(), nil
}

// newUser checks the email is free and hashes the password.
func (s *UserService) newUser(ctx context.Context, in RegisterInput, role models.Role) (*models.User, error) {
	email := models.NormalizeEmail(in.Email)

	_, err := s.repomanager.Users(s.db).GetByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, common.Conflict(msgEmailTaken)
	case !errors.Is(err, common.ErrorNotFound):
		return nil, s.dbError(ctx, "check email", err)
	}

	hash, err := s.hashPassword(ctx, in.Password)
	if err != nil {
		return nil, err
	}

	return &models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		Role:         role,
		Status:       models.StatusActive,
	}, nil
}

// createUser maps a unique violation from a concurrent registration to
// the same conflict as the pre-check.
func (s *UserService) createUser(ctx context.Context, db dbx.DBTX, user *models.User) error {
	if _, err := s.repomanager.Users(db).Create(ctx, user); err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return common.Conflict(msgEmailTaken)
		}
		return s.dbError(ctx, "create user", err)
	}
	return nil
}

func (s *UserService) hashPassword(ctx context.Context, plaintext string) (string, error) {
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		if errors.Is(err, password.ErrTooLong) {
			return "", common.Validation(msgPasswordTooLong)
		}
		s.logger.Error(ctx, "hash password", "error", err)
		return "", &common.Error{Kind: common.KindInternal, Message: "Internal server error", Err: err}
	}
	return hash, nil
}

// Login checks credentials and signs the user in. Unknown email and wrong
// password produce the same error.
func (s *UserService) Login(ctx context.Context, email, plaintext string) (*AuthResult, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByEmail(ctx, models.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.hasher.Verify(plaintext, s.getDummyHash())
			return nil, common.Authentication(msgInvalidCredentials)
		}
		return nil, s.dbError(ctx, "find user", err)
	}

	if !s.hasher.Verify(plaintext, user.PasswordHash) {
		s.logger.Info(ctx, "login failed", "user_id", user.ID)
		return nil, common.Authentication(msgInvalidCredentials)
	}
	if !user.IsActive() {
		return nil, common.Authentication(msgAccountInactive)
	}

	now := s.now()
	if err := repo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, s.dbError(ctx, "update last login", err)
	}
	user.LastLogin = &now

	pair, err := s.sessions.IssueSessionTx(ctx, s.db, user)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "user logged in", "user_id", user.ID)
	s.publish(ctx, events.UserLoggedIn, user)

	return &AuthResult{User: user.Public(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// ChangePassword replaces the password and revokes every refresh token of
// the user in one transaction, so no old session survives the change.
func (s *UserService) ChangePassword(ctx context.Context, userID, current, next string) error {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, user.PasswordHash) {
		return common.Validation(msgWrongPassword)
	}

	hash, err := s.hashPassword(ctx, next)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Users(tx).UpdatePassword(ctx, user.ID, hash); err != nil {
			return s.dbError(ctx, "update password", err)
		}
		return s.sessions.RevokeAllForUserTx(ctx, tx, user.ID)
	})
	if err != nil {
		return s.classify(ctx, "change password", err)
	}

	s.logger.Info(ctx, "password changed", "user_id", user.ID)
	s.publish(ctx, events.UserPasswordChanged, user)
	return nil
}

// Authenticate resolves an access token to the identity of an active user.
// The identity reflects the stored user, so role changes apply at once.
func (s *UserService) Authenticate(ctx context.Context, accessToken string) (*auth.Identity, error) {
	claims, err := s.tokens.Verify(accessToken, auth.KindAccess)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, common.Authentication(msgTokenExpired)
		}
		return nil, common.Authentication(msgInvalidToken)
	}

	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, common.Authentication(msgInvalidToken)
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.repomanager.Users(s.db).GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.Authentication(msgUserNotFound)
		}
		return nil, s.dbError(ctx, "load user", err)
	}
	if !user.IsActive() {
		return nil, common.Authentication(msgUserInactive)
	}

	return &auth.Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// Me returns the public profile of userID.
func (s *UserService) Me(ctx context.Context, userID string) (*models.PublicUser, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Public(), nil
}

// GetUser is Me for administrators looking up any account.
func (s *UserService) GetUser(ctx context.Context, userID string) (*models.PublicUser, error) {
	return s.Me(ctx, userID)
}

// UpdateProfile replaces the names and phone of userID. A nil phone clears it.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*models.PublicUser, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, common.NotFound(msgUserNotFound)
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.repomanager.Users(s.db).UpdateProfile(ctx, userID, in.FirstName, in.LastName, in.Phone)
	if err != nil {
		return nil, s.notFoundOrDB(ctx, "update profile", err)
	}
	return user.Public(), nil
}

// SetStatus moves an account between lifecycle states. Leaving ACTIVE
// revokes every refresh token in the same transaction.
func (s *UserService) SetStatus(ctx context.Context, userID string, status models.Status) (*models.PublicUser, error) {
	if !status.Valid() {
		return nil, common.Validation("Invalid status")
	}
	if _, err := uuid.Parse(userID); err != nil {
		return nil, common.NotFound(msgUserNotFound)
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var user *models.User
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		user, err = s.repomanager.Users(tx).UpdateStatus(ctx, userID, status)
		if err != nil {
			return s.notFoundOrDB(ctx, "update status", err)
		}
		if status != models.StatusActive {
			return s.sessions.RevokeAllForUserTx(ctx, tx, userID)
		}
		return nil
	})
	if err != nil {
		return nil, s.classify(ctx, "set status", err)
	}

	s.logger.Info(ctx, "user status changed", "user_id", userID, "status", status)
	s.publish(ctx, events.UserStatusChanged, user)
	return user.Public(), nil
}

// SetRole changes the role of userID. Existing tokens pick up the new role
// on their next request.
func (s *UserService) SetRole(ctx context.Context, userID string, role models.Role) (*models.PublicUser, error) {
	if !role.Valid() {
		return nil, common.Validation("Invalid role")
	}
	if _, err := uuid.Parse(userID); err != nil {
		return nil, common.NotFound(msgUserNotFound)
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	user, err := s.repomanager.Users(s.db).UpdateRole(ctx, userID, role)
	if err != nil {
		return nil, s.notFoundOrDB(ctx, "update role", err)
	}

	s.logger.Info(ctx, "user role changed", "user_id", userID, "role", role)
	return user.Public(), nil
}

// --- helpers below ---

func (s *UserService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, common.NotFound(msgUserNotFound)
	}
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, s.notFoundOrDB(ctx, "load user", err)
	}
	return user, nil
}

func (s *UserService) notFoundOrDB(ctx context.Context, op string, err error) error {
	if errors.Is(err, common.ErrorNotFound) {
		return common.NotFound(msgUserNotFound)
	}
	return s.dbError(ctx, op, err)
}

func (s *UserService) dbError(ctx context.Context, op string, err error) error {
	s.logger.Error(ctx, op, "error", err)
	return common.Database(err)
}

// classify passes taxonomy errors through and wraps anything else (such as
// a failed commit) as a database error.
func (s *UserService) classify(ctx context.Context, op string, err error) error {
	if _, ok := common.AsError(err); ok {
		return err
	}
	return s.dbError(ctx, op, err)
}

func (s *UserService) getDummyHash() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash(uuid.NewString())
		if err == nil {
			s.dummyHash = h
		}
	})
	return s.dummyHash
}

func (s *UserService) publish(ctx context.Context, eventType string, user *models.User) {
	e := events.Event{
		Type:       eventType,
		UserID:     user.ID,
		Email:      user.Email,
		OccurredAt: s.now().UTC(),
	}
	if eventType == events.UserStatusChanged {
		e.Status = string(user.Status)
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn(ctx, "publish event failed", "type", eventType, "error", err)
	}
}
