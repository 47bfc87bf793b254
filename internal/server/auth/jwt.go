// Package auth issues and verifies the JWT access and refresh tokens and
// carries the resolved caller identity through request contexts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind selects the signing secret and lifetime of a token.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Identity is the resolved caller attached to authenticated requests.
type Identity struct {
	UserID string      `json:"userId"`
	Email  string      `json:"email"`
	Role   models.Role `json:"role"`
}

// Claims is the token payload. It never carries password material.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string      `json:"userId"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	TokenType TokenKind   `json:"tokenType"`
}

// Identity returns the identity part of the claims.
func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Email: c.Email, Role: c.Role}
}

// ManagerConfig configures a Manager. The secrets must be non-empty and differ.
type ManagerConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// Manager signs and verifies HS256 tokens.
type Manager struct {
	cfg ManagerConfig
	now func() time.Time
}

// NewManager validates cfg and returns a Manager. Both secrets are required
// and must differ, so a token of one kind never verifies as the other.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token secrets must not be empty")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	return &Manager{cfg: cfg, now: time.Now}, nil
}

// WithClock replaces the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) secret(kind TokenKind) ([]byte, time.Duration, error) {
	switch kind {
	case KindAccess:
		return m.cfg.AccessSecret, m.cfg.AccessTTL, nil
	case KindRefresh:
		return m.cfg.RefreshSecret, m.cfg.RefreshTTL, nil
	}
	return nil, 0, fmt.Errorf("unknown token kind %q", kind)
}

// Issue signs a token of kind for subject and reports when it expires.
func (m *Manager) Issue(kind TokenKind, subject Identity) (string, time.Time, error) {
	secret, ttl, err := m.secret(kind)
	if err != nil {
		return "", time.Time{}, err
	}

	now := m.now()
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.UserID,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		UserID:    subject.UserID,
		Email:     subject.Email,
		Role:      subject.Role,
		TokenType: kind,
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// IssueAccessToken signs a short-lived access token for subject.
func (m *Manager) IssueAccessToken(subject Identity) (string, error) {
	token, _, err := m.Issue(KindAccess, subject)
	return token, err
}

// IssueRefreshToken signs a refresh token for subject with the refresh
// secret and TTL.
func (m *Manager) IssueRefreshToken(subject Identity) (string, error) {
	token, _, err := m.Issue(KindRefresh, subject)
	return token, err
}

// Verify checks signature, algorithm, expiry and token kind. It returns
// common.ErrTokenExpired once now >= exp and common.ErrInvalidToken for any
// other failure.
func (m *Manager) Verify(tokenString string, kind TokenKind) (*Claims, error) {
	secret, _, err := m.secret(kind)
	if err != nil {
		return nil, common.ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.TokenType != kind || claims.UserID == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
