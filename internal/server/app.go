// Package server wires the auth service together: it opens the store, runs
// migrations, builds the services and serves HTTP and gRPC until a shutdown
// signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/config"
	"github.com/dmitrijs2005/estateauth/internal/server/events"
	"github.com/dmitrijs2005/estateauth/internal/server/password"
	"github.com/dmitrijs2005/estateauth/internal/server/ratelimit"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/estateauth/internal/server/services"

	gs "github.com/dmitrijs2005/estateauth/internal/server/grpc"
	hs "github.com/dmitrijs2005/estateauth/internal/server/http"
)

// purgeInterval is how often expired refresh tokens are deleted.
const purgeInterval = time.Hour

type App struct {
	config         *config.Config
	logger         logging.Logger
	db             *sql.DB
	userService    *services.UserService
	sessionService *services.SessionService
	limiter        ratelimit.Limiter
	publisher      events.Publisher
	closers        []io.Closer
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func NewLogger(c *config.Config) logging.Logger {
	format := "text"
	if c.IsProduction() {
		format = "json"
	}
	return logging.New(os.Stdout, c.LogLevel, format)
}

// Services holds the account services built over an open store.
type Services struct {
	Users    *services.UserService
	Sessions *services.SessionService
}

// NewServices builds the hasher, token manager and services from c.
func NewServices(c *config.Config, db *sql.DB, rm repomanager.RepositoryManager, publisher events.Publisher, logger logging.Logger) (*Services, error) {
	hasher, err := password.New(c.PasswordAlgorithm, c.BcryptCost)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewManager(auth.ManagerConfig{
		AccessSecret:  []byte(c.AccessTokenSecret),
		RefreshSecret: []byte(c.RefreshTokenSecret),
		AccessTTL:     c.AccessTokenValidityDuration,
		RefreshTTL:    c.RefreshTokenValidityDuration,
		Issuer:        c.TokenIssuer,
	})
	if err != nil {
		return nil, err
	}

	sessions := services.NewSessionService(db, rm, tokens, logger, c.DBQueryTimeout)
	users := services.NewUserService(db, rm, hasher, tokens, sessions, publisher, logger, c.DBQueryTimeout)
	return &Services{Users: users, Sessions: sessions}, nil
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := NewLogger(c)
	app := &App{config: c, logger: logger, publisher: events.Nop{}}

	db, err := repomanager.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	app.db = db
	app.closers = append(app.closers, db)

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		app.close(ctx)
		return nil, err
	}

	if c.RedisAddr != "" {
		client, err := ratelimit.Connect(ctx, c.RedisAddr, c.RedisPassword)
		if err != nil {
			// Throttling is optional; the API works without it.
			logger.Warn(ctx, "redis unavailable, login throttling disabled", "error", err)
		} else {
			app.closers = append(app.closers, client)
			app.limiter = ratelimit.NewRedisLimiter(client, ratelimit.Config{Limit: c.LoginRateLimit, Window: c.LoginRateWindow}, "estateauth:ratelimit:")
		}
	}

	if c.NATSURL != "" {
		p, err := events.ConnectNATS(c.NATSURL)
		if err != nil {
			logger.Warn(ctx, "nats unavailable, events disabled", "error", err)
		} else {
			app.publisher = p
			app.closers = append(app.closers, p)
		}
	}

	svc, err := NewServices(c, db, rm, app.publisher, logger)
	if err != nil {
		app.close(ctx)
		return nil, err
	}
	app.userService = svc.Users
	app.sessionService = svc.Sessions

	return app, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	// Validate has already parsed the list.
	proxies, _ := app.config.TrustedProxyPrefixes()
	h := hs.NewHandler(app.userService, app.sessionService, app.logger, hs.Options{
		Limiter:        app.limiter,
		DB:             app.db,
		Production:     app.config.IsProduction(),
		TrustedProxies: proxies,
	})
	s := hs.NewServer(app.config.EndpointAddrHTTP, h, app.logger, app.config.ShutdownTimeout)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.userService)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// purgeExpiredTokens deletes expired refresh tokens every purgeInterval.
func (app *App) purgeExpiredTokens(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.sessionService.PurgeExpired(ctx)
			if err != nil {
				app.logger.Error(ctx, "purge expired refresh tokens failed", "error", err)
				continue
			}
			app.logger.Info(ctx, "purged expired refresh tokens", "count", n)
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.purgeExpiredTokens(ctx)
	}()

	wg.Wait()

	app.close(ctx)
	app.logger.Info(ctx, "App stopped")
}

// close releases resources in reverse order of acquisition.
func (app *App) close(ctx context.Context) {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			app.logger.Error(ctx, "close failed", "error", err)
		}
	}
	app.closers = nil
}
