package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile           string
	AdminAddr        string
	APIAddr          string
	OutboxSize       int
	RingTimeout      time.Duration
	HistoryLimit     int
	PresenceFullSync bool
	AllowedOrigins   []string
	VAPIDPublicKey   string
	VAPIDPrivateKey  string
	VAPIDSubject     string
	LogLevel         slog.Level
	LogFormat        string
}

// Load reads the configuration from the environment. Values from a .env
// file in the working directory are used when present; real environment
// variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ringTimeout, err := time.ParseDuration(getEnv("RING_TIMEOUT", "45s"))
	if err != nil {
		return nil, fmt.Errorf("RING_TIMEOUT: %w", err)
	}
	outboxSize, err := strconv.Atoi(getEnv("OUTBOX_SIZE", "64"))
	if err != nil {
		return nil, fmt.Errorf("OUTBOX_SIZE: %w", err)
	}
	historyLimit, err := strconv.Atoi(getEnv("HISTORY_LIMIT", "200"))
	if err != nil {
		return nil, fmt.Errorf("HISTORY_LIMIT: %w", err)
	}
	fullSync, err := strconv.ParseBool(getEnv("PRESENCE_FULL_SYNC", "false"))
	if err != nil {
		return nil, fmt.Errorf("PRESENCE_FULL_SYNC: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		DBFile:           getEnv("KAMPUS_DB", ""),
		AdminAddr:        getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:          getEnv("API_ADDR", ":8080"),
		OutboxSize:       outboxSize,
		RingTimeout:      ringTimeout,
		HistoryLimit:     historyLimit,
		PresenceFullSync: fullSync,
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "")),
		VAPIDPublicKey:   os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:  os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:     getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
		LogLevel:         level,
		LogFormat:        getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be greater than 0")
	}

	if c.RingTimeout <= 0 {
		return fmt.Errorf("RING_TIMEOUT must be greater than 0")
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return nil
}

// PushEnabled reports whether offline notifications can be sent.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
