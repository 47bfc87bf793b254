package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/dbx"
	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/events"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/dmitrijs2005/estateauth/internal/server/password"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/memory"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/users"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// sqliteDB is a throwaway transaction starter; the repositories under test
// ignore the DBTX they are given.
func sqliteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	db        *sql.DB
	store     *memory.InMemoryRepositoryManager
	tokens    *auth.Manager
	sessions  *SessionService
	users     *UserService
	publisher *recordingPublisher
}

func newTokenManager(t *testing.T) *auth.Manager {
	t.Helper()
	m, err := auth.NewManager(auth.ManagerConfig{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "estateauth",
	})
	require.NoError(t, err)
	return m
}

func newHasher(t *testing.T) password.Hasher {
	t.Helper()
	h, err := password.New(password.AlgorithmBcrypt, bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

// newFixture wires the services over an in-memory store. wrap, when given,
// decorates the store (for failure injection).
func newFixture(t *testing.T, db *sql.DB, wrap func(*memory.InMemoryRepositoryManager) repomanager.RepositoryManager) *fixture {
	t.Helper()
	if db == nil {
		db = sqliteDB(t)
	}
	store := memory.NewInMemoryRepositoryManager()
	var rm repomanager.RepositoryManager = store
	if wrap != nil {
		rm = wrap(store)
	}

	f := &fixture{db: db, store: store, tokens: newTokenManager(t), publisher: &recordingPublisher{}}
	f.sessions = NewSessionService(db, rm, f.tokens, logging.Nop(), time.Second)
	f.users = NewUserService(db, rm, newHasher(t), f.tokens, f.sessions, f.publisher, logging.Nop(), time.Second)
	return f
}

func aliceInput() RegisterInput {
	return RegisterInput{Email: "alice@example.com", Password: "Secret123", FirstName: "Alice", LastName: "Smith"}
}

// faultyManager wraps a real manager and fails selected operations.
type faultyManager struct {
	*memory.InMemoryRepositoryManager
	getByEmailErr error
	getByIDErr    error
	createErr     error
	revokeAllErr  error
	findTokenErr  error
	createTokErr  error
	deleteTokErr  error
}

func (m *faultyManager) Users(db dbx.DBTX) users.Repository {
	return &faultyUsers{Repository: m.InMemoryRepositoryManager.Users(db), m: m}
}

func (m *faultyManager) RefreshTokens(db dbx.DBTX) refreshtokens.Repository {
	return &faultyTokens{Repository: m.InMemoryRepositoryManager.RefreshTokens(db), m: m}
}

type faultyUsers struct {
	users.Repository
	m *faultyManager
}

func (r *faultyUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if r.m.getByEmailErr != nil {
		return nil, r.m.getByEmailErr
	}
	return r.Repository.GetByEmail(ctx, email)
}

func (r *faultyUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	if r.m.getByIDErr != nil {
		return nil, r.m.getByIDErr
	}
	return r.Repository.GetByID(ctx, id)
}

func (r *faultyUsers) Create(ctx context.Context, u *models.User) (*models.User, error) {
	if r.m.createErr != nil {
		return nil, r.m.createErr
	}
	return r.Repository.Create(ctx, u)
}

type faultyTokens struct {
	refreshtokens.Repository
	m *faultyManager
}

func (r *faultyTokens) Create(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	if r.m.createTokErr != nil {
		return r.m.createTokErr
	}
	return r.Repository.Create(ctx, userID, tokenHash, expiresAt)
}

func (r *faultyTokens) Find(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	if r.m.findTokenErr != nil {
		return nil, r.m.findTokenErr
	}
	return r.Repository.Find(ctx, tokenHash)
}

func (r *faultyTokens) Delete(ctx context.Context, tokenHash string) error {
	if r.m.deleteTokErr != nil {
		return r.m.deleteTokErr
	}
	return r.Repository.Delete(ctx, tokenHash)
}

func (r *faultyTokens) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	if r.m.revokeAllErr != nil {
		return 0, r.m.revokeAllErr
	}
	return r.Repository.DeleteAllForUser(ctx, userID)
}

func newFaultyFixture(t *testing.T, db *sql.DB) (*fixture, *faultyManager) {
	t.Helper()
	var fm *faultyManager
	f := newFixture(t, db, func(s *memory.InMemoryRepositoryManager) repomanager.RepositoryManager {
		fm = &faultyManager{InMemoryRepositoryManager: s}
		return fm
	})
	return f, fm
}
