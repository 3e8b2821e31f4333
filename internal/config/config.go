package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource    string
	Port        string
	Env         string
	SecretKey   string
	TokenExpiry time.Duration
	LockTimeout time.Duration
	LogLevel    string
}

func Load() (*Config, error) {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	secret := os.Getenv("SECRET_KEY")
	if secret == "" {
		return nil, fmt.Errorf("SECRET_KEY environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	tokenExpiry, err := durationMinutes("ACCESS_TOKEN_EXPIRE_MINUTES", 60)
	if err != nil {
		return nil, err
	}

	lockTimeout, err := durationMillis("LOCK_TIMEOUT_MS", 3000)
	if err != nil {
		return nil, err
	}

	return &Config{
		DBSource:    dbSource,
		Port:        port,
		Env:         env,
		SecretKey:   secret,
		TokenExpiry: tokenExpiry,
		LockTimeout: lockTimeout,
		LogLevel:    logLevel,
	}, nil
}

func durationMinutes(key string, def int) (time.Duration, error) {
	n, err := intEnv(key, def)
	return time.Duration(n) * time.Minute, err
}

func durationMillis(key string, def int) (time.Duration, error) {
	n, err := intEnv(key, def)
	return time.Duration(n) * time.Millisecond, err
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
