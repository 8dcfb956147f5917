// Package config builds runtime configuration from environment variables so
// main stays lean.
package config

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures the full server configuration.
type Server struct {
	Addr           string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   []string
	JWTSigningKey  string
	JWTIssuer      string
	JWTAudience    string
	MasterKey      []byte
	TrustedProxies []netip.Prefix

	TokenTTL            time.Duration
	RequestTimeout      time.Duration
	VerificationWindow  time.Duration
	SweepInterval       time.Duration
	SubmitRatePerMinute int

	ParentalConsentRequired bool
	DataRetentionDays       int
	AuditRetentionDays      int
}

// FromEnv builds a Server config from CUSTODIA_* environment variables.
// MasterKey is required; everything else has a development default.
func FromEnv() (Server, error) {
	cfg := Server{
		Addr:                    envOr("CUSTODIA_ADDR", ":8080"),
		DatabaseURL:             os.Getenv("CUSTODIA_DATABASE_URL"),
		RedisURL:                os.Getenv("CUSTODIA_REDIS_URL"),
		JWTSigningKey:           envOr("CUSTODIA_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		JWTIssuer:               envOr("CUSTODIA_JWT_ISSUER", "custodia"),
		JWTAudience:             envOr("CUSTODIA_JWT_AUDIENCE", "custodia-api"),
		TokenTTL:                envDuration("CUSTODIA_TOKEN_TTL", 15*time.Minute),
		RequestTimeout:          envDuration("CUSTODIA_REQUEST_TIMEOUT", 30*time.Second),
		VerificationWindow:      envDuration("CUSTODIA_VERIFICATION_WINDOW", 7*24*time.Hour),
		SweepInterval:           envDuration("CUSTODIA_SWEEP_INTERVAL", 24*time.Hour),
		SubmitRatePerMinute:     envInt("CUSTODIA_SUBMIT_RATE_PER_MINUTE", 10),
		ParentalConsentRequired: envOr("CUSTODIA_PARENTAL_CONSENT_REQUIRED", "true") == "true",
		DataRetentionDays:       envInt("CUSTODIA_DATA_RETENTION_DAYS", 1095),
		AuditRetentionDays:      envInt("CUSTODIA_AUDIT_RETENTION_DAYS", 2555),
	}

	if brokers := os.Getenv("CUSTODIA_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	for _, cidr := range strings.Split(os.Getenv("CUSTODIA_TRUSTED_PROXIES"), ",") {
		if cidr = strings.TrimSpace(cidr); cidr == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return Server{}, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		cfg.TrustedProxies = append(cfg.TrustedProxies, prefix)
	}

	encoded := os.Getenv("CUSTODIA_MASTER_KEY")
	if encoded == "" {
		return Server{}, fmt.Errorf("CUSTODIA_MASTER_KEY is required")
	}
	masterKey, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Server{}, fmt.Errorf("CUSTODIA_MASTER_KEY must be base64: %w", err)
	}
	cfg.MasterKey = masterKey

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
