package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB           DBConfig
	JWT          JWTConfig
	Server       ServerConfig
	RelyingParty RelyingPartyConfig
	MFA          MFAConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type ServerConfig struct {
	Port string
}

// RelyingPartyConfig identifies this service to WebAuthn authenticators.
type RelyingPartyConfig struct {
	ID      string
	Name    string
	Origins []string
}

type MFAConfig struct {
	ChallengeTTL    time.Duration
	PendingTOTPTTL  time.Duration
	BackupCodeCount int
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "keyfort"),
			Password: getEnv("DB_PASSWORD", "keyfort_secret"),
			Name:     getEnv("DB_NAME", "keyfort"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		RelyingParty: RelyingPartyConfig{
			ID:      getEnv("RP_ID", "localhost"),
			Name:    getEnv("RP_NAME", "Keyfort"),
			Origins: getEnvAsList("RP_ORIGINS", []string{"http://localhost:3001"}),
		},
		MFA: MFAConfig{
			ChallengeTTL:    getEnvAsDuration("MFA_CHALLENGE_TTL", 5*time.Minute),
			PendingTOTPTTL:  getEnvAsDuration("MFA_PENDING_TOTP_TTL", 10*time.Minute),
			BackupCodeCount: getEnvAsInt("MFA_BACKUP_CODE_COUNT", 10),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
