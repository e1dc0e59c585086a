// Package config loads runtime configuration for the settlement service
// from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the settlement service.
type Config struct {
	Port             string
	Env              string
	DatabaseURL      string
	JWTSecret        string
	Currency         string
	VATRateBps       int
	EscrowFeeBps     int
	ReleaseWindow    time.Duration
	ExtensionPresets []int
	AppealWindow     time.Duration
	MinClaimLength   int
	SweepInterval    time.Duration
	IdentityBaseURL  string
	IdentityAPIKey   string
	IdentityTimeout  time.Duration
	WebhooksFile     string
}

// FromEnv loads configuration from environment variables required by the
// service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("MIZAN_PORT", "8080")
	dbURL := os.Getenv("MIZAN_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("MIZAN_DB_URL is required")
	}
	jwtSecret := strings.TrimSpace(os.Getenv("MIZAN_JWT_SECRET"))
	if jwtSecret == "" {
		return nil, fmt.Errorf("MIZAN_JWT_SECRET is required")
	}

	vatBps := parseIntEnv("MIZAN_VAT_RATE_BPS", 1500)
	if vatBps < 0 || vatBps > 10_000 {
		return nil, fmt.Errorf("invalid MIZAN_VAT_RATE_BPS %d", vatBps)
	}
	feeBps := parseIntEnv("MIZAN_ESCROW_FEE_BPS", 200)
	if feeBps < 0 || feeBps > 10_000 {
		return nil, fmt.Errorf("invalid MIZAN_ESCROW_FEE_BPS %d", feeBps)
	}

	releaseDays := parseIntEnv("MIZAN_RELEASE_WINDOW_DAYS", 14)
	if releaseDays <= 0 {
		return nil, fmt.Errorf("invalid MIZAN_RELEASE_WINDOW_DAYS %d", releaseDays)
	}
	appealDays := parseIntEnv("MIZAN_APPEAL_WINDOW_DAYS", 7)
	if appealDays <= 0 {
		return nil, fmt.Errorf("invalid MIZAN_APPEAL_WINDOW_DAYS %d", appealDays)
	}
	minClaim := parseIntEnv("MIZAN_MIN_CLAIM_LENGTH", 20)
	if minClaim <= 0 {
		return nil, fmt.Errorf("invalid MIZAN_MIN_CLAIM_LENGTH %d", minClaim)
	}

	sweepSeconds := parseIntEnv("MIZAN_SWEEP_INTERVAL_SECONDS", 60)
	if sweepSeconds <= 0 {
		return nil, fmt.Errorf("invalid MIZAN_SWEEP_INTERVAL_SECONDS %d", sweepSeconds)
	}

	presets := parseIntListEnv("MIZAN_EXTENSION_PRESET_DAYS")
	if len(presets) == 0 {
		presets = []int{3, 7, 14}
	}
	for _, days := range presets {
		if days <= 0 {
			return nil, fmt.Errorf("invalid MIZAN_EXTENSION_PRESET_DAYS entry %d", days)
		}
	}

	identityBase := os.Getenv("MIZAN_IDENTITY_BASE_URL")
	identityTimeoutSeconds := parseIntEnv("MIZAN_IDENTITY_TIMEOUT_SECONDS", 10)
	if identityTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid MIZAN_IDENTITY_TIMEOUT_SECONDS %d", identityTimeoutSeconds)
	}

	return &Config{
		Port:             normalizePort(port),
		Env:              getEnvDefault("MIZAN_ENV", "dev"),
		DatabaseURL:      dbURL,
		JWTSecret:        jwtSecret,
		Currency:         getEnvDefault("MIZAN_CURRENCY", "SAR"),
		VATRateBps:       vatBps,
		EscrowFeeBps:     feeBps,
		ReleaseWindow:    time.Duration(releaseDays) * 24 * time.Hour,
		ExtensionPresets: presets,
		AppealWindow:     time.Duration(appealDays) * 24 * time.Hour,
		MinClaimLength:   minClaim,
		SweepInterval:    time.Duration(sweepSeconds) * time.Second,
		IdentityBaseURL:  identityBase,
		IdentityAPIKey:   os.Getenv("MIZAN_IDENTITY_API_KEY"),
		IdentityTimeout:  time.Duration(identityTimeoutSeconds) * time.Second,
		WebhooksFile:     os.Getenv("MIZAN_WEBHOOKS_FILE"),
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseIntListEnv(key string) []int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	out := make([]int, 0, len(fields))
	for _, field := range fields {
		parsed, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}
	return out
}
