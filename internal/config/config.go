// Package config resolves the relay's environment-driven configuration per
// spec §6: address precedence (PULSE_SERVER_ADDR, then PORT, then a
// hardcoded default), optionally seeded by an .env file loaded ahead of
// real environment variables.
package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// DefaultPort is used when neither PULSE_SERVER_ADDR nor PORT is set.
const DefaultPort = 9001

// Config holds every environment-derived setting the relay needs at startup.
type Config struct {
	Addr        string
	AccessToken string
	LogLevel    slog.Level
}

// Load reads environment variables (after a best-effort .env load) and
// resolves them into a Config. A missing .env file is not an error; real
// process environment variables always take priority over it.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("config: error loading .env file", "err", err)
	}

	return Config{
		Addr:        resolveAddr(),
		AccessToken: os.Getenv("PULSE_ACCESS_TOKEN"),
		LogLevel:    resolveLogLevel(),
	}
}

// resolveAddr implements spec §4.5/§6's priority: PULSE_SERVER_ADDR first,
// then 0.0.0.0:${PORT} when PORT parses as a valid 16-bit integer, else
// 0.0.0.0:9001.
func resolveAddr() string {
	if addr := os.Getenv("PULSE_SERVER_ADDR"); addr != "" {
		return addr
	}
	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			return "0.0.0.0:" + strconv.FormatUint(port, 10)
		}
	}
	return "0.0.0.0:" + strconv.Itoa(DefaultPort)
}

func resolveLogLevel() slog.Level {
	switch os.Getenv("PULSE_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
