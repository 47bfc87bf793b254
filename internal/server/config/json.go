package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/estateauth/internal/flagx"
	"github.com/dmitrijs2005/estateauth/internal/timex"
)

// JsonConfig is the on-disk shape of the JSON config file. Durations are
// timex.Duration so the file can say "1h" or "7d". Only keys present in the
// file override the current Config.
type JsonConfig struct {
	EndpointAddrHTTP             *string         `json:"endpoint_addr_http"`
	EndpointAddrGRPC             *string         `json:"endpoint_addr_grpc"`
	DatabaseDSN                  *string         `json:"database_dsn"`
	DBQueryTimeout               *timex.Duration `json:"db_query_timeout"`
	AccessTokenSecret            *string         `json:"access_token_secret"`
	RefreshTokenSecret           *string         `json:"refresh_token_secret"`
	AccessTokenValidityDuration  *timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration *timex.Duration `json:"refresh_token_validity_duration"`
	TokenIssuer                  *string         `json:"token_issuer"`
	PasswordAlgorithm            *string         `json:"password_algorithm"`
	BcryptCost                   *int            `json:"bcrypt_cost"`
	Environment                  *string         `json:"environment"`
	LogLevel                     *string         `json:"log_level"`
	RedisAddr                    *string         `json:"redis_addr"`
	RedisPassword                *string         `json:"redis_password"`
	LoginRateLimit               *int            `json:"login_rate_limit"`
	LoginRateWindow              *timex.Duration `json:"login_rate_window"`
	NATSURL                      *string         `json:"nats_url"`
	TrustedProxies               []string        `json:"trusted_proxies"`
	ShutdownTimeout              *timex.Duration `json:"shutdown_timeout"`
}

// parseJson loads the file named by -c/-config (or $CONFIG) and overlays it
// onto config. No path means nothing to do; an unreadable or invalid file
// panics.
func parseJson(config *Config, args []string) {
	path := flagx.ConfigFile(args)
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setDuration(&config.DBQueryTimeout, c.DBQueryTimeout)
	setString(&config.AccessTokenSecret, c.AccessTokenSecret)
	setString(&config.RefreshTokenSecret, c.RefreshTokenSecret)
	setDuration(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	setDuration(&config.RefreshTokenValidityDuration, c.RefreshTokenValidityDuration)
	setString(&config.TokenIssuer, c.TokenIssuer)
	setString(&config.PasswordAlgorithm, c.PasswordAlgorithm)
	if c.BcryptCost != nil {
		config.BcryptCost = *c.BcryptCost
	}
	setString(&config.Environment, c.Environment)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	if c.LoginRateLimit != nil {
		config.LoginRateLimit = *c.LoginRateLimit
	}
	setDuration(&config.LoginRateWindow, c.LoginRateWindow)
	setString(&config.NATSURL, c.NATSURL)
	if c.TrustedProxies != nil {
		config.TrustedProxies = c.TrustedProxies
	}
	setDuration(&config.ShutdownTimeout, c.ShutdownTimeout)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
