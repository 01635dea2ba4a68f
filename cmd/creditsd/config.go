package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/awardcredits/internal/httpapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL    = "database-url"
	flagStore          = "store"
	flagHTTPListenAddr = "http-listen-addr"
	flagGRPCListenAddr = "grpc-listen-addr"
	flagLedgerTimeout  = "ledger-timeout"
	flagAllowedOrigins = "allowed-origins"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagJWTCookieName  = "jwt-cookie-name"
	flagServiceToken   = "service-token"
	flagSweepInterval  = "sweep-interval"
	flagScheduler      = "scheduler"
	flagWebhookURL     = "webhook-url"
	flagRedisAddr      = "redis-addr"
	flagOTLPEndpoint   = "otlp-endpoint"
	flagRateLimit      = "rate-limit"
	flagRateBurst      = "rate-burst"
	envPrefix          = "CREDITSD"

	storeGorm       = "gorm"
	storePgx        = "pgx"
	schedulerRiver  = "river"
	schedulerNone   = "none"
	defaultDatabase = "sqlite:///tmp/credits.db"
	defaultGRPCAddr = ":7000"
)

var configFlags = []string{
	flagDatabaseURL, flagStore, flagHTTPListenAddr, flagGRPCListenAddr, flagLedgerTimeout,
	flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagServiceToken,
	flagSweepInterval, flagScheduler, flagWebhookURL, flagRedisAddr, flagOTLPEndpoint,
	flagRateLimit, flagRateBurst,
}

type runtimeConfig struct {
	DatabaseURL    string
	Store          string
	GRPCListenAddr string
	SweepInterval  time.Duration
	Scheduler      string
	WebhookURL     string
	RedisAddr      string
	OTLPEndpoint   string
	HTTP           httpapi.Config
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabase, "postgres:// URL or sqlite path")
	flags.String(flagStore, storeGorm, "store implementation: gorm or pgx (pgx requires postgres)")
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCAddr, "admin gRPC listen address")
	flags.Duration(flagLedgerTimeout, 5*time.Second, "per-request ledger timeout")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key")
	flags.String(flagJWTIssuer, "tauth", "expected JWT issuer")
	flags.String(flagJWTCookieName, "app_session", "JWT cookie name")
	flags.String(flagServiceToken, "", "bearer token for internal HTTP routes and the admin gRPC API")
	flags.Duration(flagSweepInterval, time.Hour, "expiry sweep interval for the river scheduler")
	flags.String(flagScheduler, schedulerRiver, "sweep scheduler: river or none")
	flags.String(flagWebhookURL, "", "expiry warning webhook URL")
	flags.String(flagRedisAddr, "", "redis address for expiry warning de-duplication")
	flags.String(flagOTLPEndpoint, "", "OTLP gRPC trace collector endpoint")
	flags.Float64(flagRateLimit, 5, "per-user requests per second")
	flags.Int(flagRateBurst, 10, "per-user burst size")
}

func loadConfig(cmd *cobra.Command) (runtimeConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flag(flagName)); err != nil {
			return runtimeConfig{}, err
		}
	}

	cfg := runtimeConfig{
		DatabaseURL:    strings.TrimSpace(v.GetString(flagDatabaseURL)),
		Store:          strings.ToLower(strings.TrimSpace(v.GetString(flagStore))),
		GRPCListenAddr: strings.TrimSpace(v.GetString(flagGRPCListenAddr)),
		SweepInterval:  v.GetDuration(flagSweepInterval),
		Scheduler:      strings.ToLower(strings.TrimSpace(v.GetString(flagScheduler))),
		WebhookURL:     strings.TrimSpace(v.GetString(flagWebhookURL)),
		RedisAddr:      strings.TrimSpace(v.GetString(flagRedisAddr)),
		OTLPEndpoint:   strings.TrimSpace(v.GetString(flagOTLPEndpoint)),
		HTTP: httpapi.Config{
			ListenAddr:        strings.TrimSpace(v.GetString(flagHTTPListenAddr)),
			LedgerTimeout:     v.GetDuration(flagLedgerTimeout),
			AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
			SessionSigningKey: v.GetString(flagJWTSigningKey),
			SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
			SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
			ServiceToken:      v.GetString(flagServiceToken),
			RateLimit:         v.GetFloat64(flagRateLimit),
			RateBurst:         v.GetInt(flagRateBurst),
		},
	}
	if cfg.DatabaseURL == "" {
		return runtimeConfig{}, fmt.Errorf("%s is required", flagDatabaseURL)
	}
	if cfg.Store != storeGorm && cfg.Store != storePgx {
		return runtimeConfig{}, fmt.Errorf("%s must be %q or %q", flagStore, storeGorm, storePgx)
	}
	if cfg.Scheduler != schedulerRiver && cfg.Scheduler != schedulerNone {
		return runtimeConfig{}, fmt.Errorf("%s must be %q or %q", flagScheduler, schedulerRiver, schedulerNone)
	}
	return cfg, nil
}
