package config

import (
	"errors"
	"os"
	"strings"
)

type Config struct {
	PostgresURL    string
	ListenAddr     string
	AllowedOrigins []string
	Debug          bool
}

var (
	ErrMissingPostgresURL = errors.New("missing POSTGRES_URL")
	ErrMissingOrigins     = errors.New("missing ALLOWED_ORIGINS")
)

func Load() (Config, error) {
	cfg := Config{
		ListenAddr: ":5000",
		Debug:      os.Getenv("DEBUG") != "",
	}

	pgURL, exists := os.LookupEnv("POSTGRES_URL")
	if !exists {
		return Config{}, ErrMissingPostgresURL
	}
	cfg.PostgresURL = pgURL

	origins, exists := os.LookupEnv("ALLOWED_ORIGINS")
	if !exists {
		return Config{}, ErrMissingOrigins
	}
	cfg.AllowedOrigins = strings.Split(origins, ",")

	if addr, exists := os.LookupEnv("LISTEN_ADDR"); exists {
		cfg.ListenAddr = addr
	}

	return cfg, nil
}
