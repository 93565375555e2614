package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Sync    SyncConfig
	Session SessionConfig
	Agent   AgentConfig
	Hosted  HostedAPIConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// SyncConfig covers the signed worker-plane protocol.
type SyncConfig struct {
	// HMACSecret signs/verifies worker-plane requests.
	HMACSecret string

	// SignatureWindow bounds acceptable timestamp skew (default ±5m).
	SignatureWindow time.Duration

	// RateLimitPerMinute is the per-session cap on sync calls.
	RateLimitPerMinute int
}

// SessionConfig covers lifecycle, locking and cleanup policy.
type SessionConfig struct {
	// LockStaleAfter is the abandoned-lock reclamation threshold.
	LockStaleAfter time.Duration

	// ReconnectMaxAttempts bounds health-monitor reconnect tries.
	ReconnectMaxAttempts int

	// CleanupInactiveAfter is the stale-session threshold (default 24h).
	CleanupInactiveAfter time.Duration

	// MultiSession permits multiple connected automated sessions per workspace.
	MultiSession bool
}

// AgentConfig points at the browser-automation agent.
type AgentConfig struct {
	// WSURL is the agent's websocket endpoint, e.g. ws://agent:9400/session.
	WSURL string
}

// HostedAPIConfig points at the hosted business-messaging API.
type HostedAPIConfig struct {
	BaseURL string
	Token   string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Sync.HMACSecret = os.Getenv("SYNC_HMAC_SECRET")
	c.Sync.SignatureWindow = mustDuration("SYNC_SIGNATURE_WINDOW")
	c.Sync.RateLimitPerMinute = optionalInt("SYNC_RATE_LIMIT_PER_MINUTE")

	c.Session.LockStaleAfter = mustDuration("SESSION_LOCK_STALE_AFTER")
	c.Session.ReconnectMaxAttempts = optionalInt("SESSION_RECONNECT_MAX_ATTEMPTS")
	c.Session.CleanupInactiveAfter = mustDuration("SESSION_CLEANUP_INACTIVE_AFTER")
	c.Session.MultiSession = optionalBool("SESSION_MULTI_SESSION")

	c.Agent.WSURL = strings.TrimSpace(os.Getenv("AGENT_WS_URL"))

	c.Hosted.BaseURL = strings.TrimSpace(os.Getenv("HOSTED_API_BASE_URL"))
	c.Hosted.Token = os.Getenv("HOSTED_API_TOKEN")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks requireds and applies in-place defaults for optional knobs.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Sync.HMACSecret == "" {
		errs = append(errs, errors.New("SYNC_HMAC_SECRET is required"))
	}
	if c.Sync.SignatureWindow <= 0 {
		c.Sync.SignatureWindow = 5 * time.Minute
	}
	if c.Sync.RateLimitPerMinute <= 0 {
		c.Sync.RateLimitPerMinute = 60
	}

	if c.Session.LockStaleAfter <= 0 {
		c.Session.LockStaleAfter = 5 * time.Minute
	}
	if c.Session.ReconnectMaxAttempts <= 0 {
		c.Session.ReconnectMaxAttempts = 3
	}
	if c.Session.CleanupInactiveAfter <= 0 {
		c.Session.CleanupInactiveAfter = 24 * time.Hour
	}

	if c.Agent.WSURL == "" {
		errs = append(errs, errors.New("AGENT_WS_URL is required"))
	} else if !strings.HasPrefix(c.Agent.WSURL, "ws://") && !strings.HasPrefix(c.Agent.WSURL, "wss://") {
		errs = append(errs, fmt.Errorf("AGENT_WS_URL must be a ws:// or wss:// URL, got %q", c.Agent.WSURL))
	}
	if c.IsProduction() && strings.HasPrefix(c.Agent.WSURL, "ws://") {
		errs = append(errs, errors.New("AGENT_WS_URL must use wss:// in production"))
	}

	// The hosted API is optional: a deployment may run automation-only.
	// But a base URL without a token is a misconfiguration.
	if c.Hosted.BaseURL != "" && c.Hosted.Token == "" {
		errs = append(errs, errors.New("HOSTED_API_TOKEN is required when HOSTED_API_BASE_URL is set"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optionalBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
