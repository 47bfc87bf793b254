package http

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/dmitrijs2005/estateauth/internal/server/password"
	"github.com/dmitrijs2005/estateauth/internal/server/ratelimit"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/memory"
	"github.com/dmitrijs2005/estateauth/internal/server/services"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

type testEnv struct {
	db      *sql.DB
	store   *memory.InMemoryRepositoryManager
	users   *services.UserService
	handler *Handler
	routes  http.Handler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tokens, err := auth.NewManager(auth.ManagerConfig{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "estateauth",
	})
	require.NoError(t, err)

	hasher, err := password.New(password.AlgorithmBcrypt, bcrypt.MinCost)
	require.NoError(t, err)

	store := memory.NewInMemoryRepositoryManager()
	sessions := services.NewSessionService(db, store, tokens, logging.Nop(), time.Second)
	users := services.NewUserService(db, store, hasher, tokens, sessions, nil, logging.Nop(), time.Second)

	if opts.DB == nil {
		opts.DB = db
	}
	h := NewHandler(users, sessions, logging.Nop(), opts)
	return &testEnv{db: db, store: store, users: users, handler: h, routes: h.Routes()}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
	Errors  []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)

	var resp apiResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

type authData struct {
	User         models.PublicUser `json:"user"`
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
}

func decodeData[T any](t *testing.T, resp apiResponse) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

var aliceBody = map[string]any{
	"email":     "alice@example.com",
	"password":  "Secret123",
	"firstName": "Alice",
	"lastName":  "Smith",
}

// registerAs creates an account and promotes it to role.
func (e *testEnv) registerAs(t *testing.T, email string, role models.Role) authData {
	t.Helper()

	body := map[string]any{"email": email, "password": "Secret123", "firstName": "Test", "lastName": "User"}
	rec, resp := e.do(t, http.MethodPost, "/auth/register", "", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeData[authData](t, resp)

	if role != models.RoleClient {
		_, err := e.users.SetRole(context.Background(), data.User.ID, role)
		require.NoError(t, err)
	}
	return data
}

type stubLimiter struct {
	calls []string
	res   *ratelimit.Result
	err   error
}

func (l *stubLimiter) Allow(_ context.Context, key string) (*ratelimit.Result, error) {
	l.calls = append(l.calls, key)
	return l.res, l.err
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return sql.ErrConnDone }
