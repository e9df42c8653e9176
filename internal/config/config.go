package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Verifier
	VerifierURL           string
	Audiences             []string
	VerifyTimeout         time.Duration
	VerifyMaxResponseSize int64

	// Login / Logout redirect
	LoginRedirectURL        string
	LoginRedirectURLFailure string
	LogoutRedirectURL       string

	// Session
	SessionMaxAge          int
	SessionCleanupInterval time.Duration
	AutoCreateUser         bool

	// Rate Limit（req/min単位）
	RateLimitGeneral int
	RateLimitVerify  int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// defaultVerifierURL はVERIFIER_URLが未設定の場合に使用するリモート検証サービスのURL。
const defaultVerifierURL = "https://verifier.login.persona.org/verify"

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
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

	// AUDIENCEはアサーション検証時にVerifierへ渡す自サイトのorigin。
	// カンマ区切りで複数指定できる（例: "https://example.com,https://www.example.com"）。
	audience := os.Getenv("AUDIENCE")
	if audience == "" {
		missing = append(missing, "AUDIENCE")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.Audiences = splitAndTrim(audience)

	// Optional fields with defaults
	cfg.VerifierURL = getEnvString("VERIFIER_URL", defaultVerifierURL)
	cfg.VerifyTimeout = getEnvDuration("VERIFY_TIMEOUT", 10*time.Second)
	cfg.VerifyMaxResponseSize = getEnvInt64("VERIFY_MAX_RESPONSE_SIZE", 1048576)
	cfg.LoginRedirectURL = getEnvString("LOGIN_REDIRECT_URL", "/")
	cfg.LoginRedirectURLFailure = getEnvString("LOGIN_REDIRECT_URL_FAILURE", "/")
	cfg.LogoutRedirectURL = getEnvString("LOGOUT_REDIRECT_URL", "/")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Hour)
	cfg.AutoCreateUser = getEnvBool("AUTO_CREATE_USER", true)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitVerify = getEnvInt("RATE_LIMIT_VERIFY", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// splitAndTrim はカンマ区切りの文字列を空要素を除いて分割する。
func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
