package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/estateauth/internal/timex"
	"github.com/joho/godotenv"
)

// loadDotEnv copies variables from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(err)
	}
}

// parseEnv overlays Config with environment variables.
//
//	HTTP_ADDR, GRPC_ADDR, DATABASE_URL, DB_QUERY_TIMEOUT,
//	JWT_SECRET, JWT_REFRESH_SECRET, JWT_EXPIRES_IN, JWT_REFRESH_EXPIRES_IN, JWT_ISSUER,
//	PASSWORD_ALGORITHM, BCRYPT_ROUNDS, APP_ENV, LOG_LEVEL,
//	REDIS_ADDR, REDIS_PASSWORD, LOGIN_RATE_LIMIT, LOGIN_RATE_WINDOW, NATS_URL, SHUTDOWN_TIMEOUT,
//	TRUSTED_PROXIES (comma-separated CIDRs or addresses)
//
// Durations accept Go syntax plus a day suffix ("7d").
func parseEnv(config *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				panic(err)
			}
			*dst = n
		}
	}
	dur := func(key string, dst *timex.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := timex.ParseDuration(v)
			if err != nil {
				panic(err)
			}
			dst.Duration = d
		}
	}

	queryTimeout := timex.Duration{Duration: config.DBQueryTimeout}
	accessTTL := timex.Duration{Duration: config.AccessTokenValidityDuration}
	refreshTTL := timex.Duration{Duration: config.RefreshTokenValidityDuration}
	rateWindow := timex.Duration{Duration: config.LoginRateWindow}
	shutdown := timex.Duration{Duration: config.ShutdownTimeout}

	str("HTTP_ADDR", &config.EndpointAddrHTTP)
	str("GRPC_ADDR", &config.EndpointAddrGRPC)
	str("DATABASE_URL", &config.DatabaseDSN)
	dur("DB_QUERY_TIMEOUT", &queryTimeout)
	str("JWT_SECRET", &config.AccessTokenSecret)
	str("JWT_REFRESH_SECRET", &config.RefreshTokenSecret)
	dur("JWT_EXPIRES_IN", &accessTTL)
	dur("JWT_REFRESH_EXPIRES_IN", &refreshTTL)
	str("JWT_ISSUER", &config.TokenIssuer)
	str("PASSWORD_ALGORITHM", &config.PasswordAlgorithm)
	num("BCRYPT_ROUNDS", &config.BcryptCost)
	str("APP_ENV", &config.Environment)
	str("LOG_LEVEL", &config.LogLevel)
	str("REDIS_ADDR", &config.RedisAddr)
	str("REDIS_PASSWORD", &config.RedisPassword)
	num("LOGIN_RATE_LIMIT", &config.LoginRateLimit)
	dur("LOGIN_RATE_WINDOW", &rateWindow)
	str("NATS_URL", &config.NATSURL)
	dur("SHUTDOWN_TIMEOUT", &shutdown)
	if v, ok := lookup("TRUSTED_PROXIES"); ok && v != "" {
		config.TrustedProxies = strings.Split(v, ",")
	}

	config.DBQueryTimeout = queryTimeout.Duration
	config.AccessTokenValidityDuration = accessTTL.Duration
	config.RefreshTokenValidityDuration = refreshTTL.Duration
	config.LoginRateWindow = rateWindow.Duration
	config.ShutdownTimeout = shutdown.Duration
}
