package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// セッションストア・試行ログの保存先。
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Redis
	RedisURL    string
	RedisPrefix string

	// Session
	SessionStore          string
	SessionIdleTimeout    time.Duration
	SessionRotateInterval time.Duration
	SessionRotateGrace    time.Duration

	// Login rate limit
	AttemptLog            string
	LoginMaxAttempts      int
	LoginWindow           time.Duration
	LoginAttemptRetention time.Duration

	// Password
	PasswordVerifyConcurrency int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitLoginIP int

	// Worker
	CleanupInterval time.Duration

	// Server
	ServerPort     string
	BaseURL        string
	AppEnv         string
	TrustedProxies []netip.Prefix

	// Cookie
	CookieSecure bool
	CookieDomain string

	// Metrics
	MetricsEnabled bool
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AppEnv = getEnvString("APP_ENV", "development")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RedisPrefix = getEnvString("REDIS_PREFIX", "pulsehours")
	cfg.SessionStore = strings.ToLower(getEnvString("SESSION_STORE", BackendPostgres))
	cfg.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 24*time.Hour)
	cfg.SessionRotateInterval = getEnvDuration("SESSION_ROTATE_INTERVAL", 5*time.Minute)
	cfg.SessionRotateGrace = getEnvDuration("SESSION_ROTATE_GRACE", 2*time.Second)
	cfg.AttemptLog = strings.ToLower(getEnvString("ATTEMPT_LOG", BackendPostgres))
	cfg.LoginMaxAttempts = getEnvInt("LOGIN_MAX_ATTEMPTS", 5)
	cfg.LoginWindow = getEnvDuration("LOGIN_WINDOW", 15*time.Minute)
	cfg.LoginAttemptRetention = getEnvDuration("LOGIN_ATTEMPT_RETENTION", 24*time.Hour)
	cfg.PasswordVerifyConcurrency = getEnvInt("PASSWORD_VERIFY_CONCURRENCY", 4)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLoginIP = getEnvInt("RATE_LIMIT_LOGIN_IP", 20)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CookieSecure = cfg.IsProduction() || strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)

	proxies, err := parseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}
	cfg.TrustedProxies = proxies

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SessionStore {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid SESSION_STORE %q: must be postgres, redis or memory", c.SessionStore)
	}
	switch c.AttemptLog {
	case BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("invalid ATTEMPT_LOG %q: must be postgres or redis", c.AttemptLog)
	}
	if (c.SessionStore == BackendRedis || c.AttemptLog == BackendRedis) && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when SESSION_STORE or ATTEMPT_LOG is redis")
	}
	if c.SessionStore == BackendMemory && c.IsProduction() {
		return fmt.Errorf("SESSION_STORE=memory is not allowed in production")
	}
	if c.LoginMaxAttempts < 1 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS must be at least 1, got %d", c.LoginMaxAttempts)
	}
	if c.LoginAttemptRetention < c.LoginWindow {
		return fmt.Errorf("LOGIN_ATTEMPT_RETENTION (%s) must not be shorter than LOGIN_WINDOW (%s)",
			c.LoginAttemptRetention, c.LoginWindow)
	}
	return nil
}

// parseTrustedProxies はカンマ区切りのCIDRまたはIPアドレスを解釈する。
func parseTrustedProxies(v string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, field := range strings.Split(v, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", field, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(field)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", field, err)
		}
		ip = ip.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return prefixes, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
