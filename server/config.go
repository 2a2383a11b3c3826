package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the server's environment-derived settings. Every field has a
// workable default so the process can boot with no environment at all.
type Config struct {
	Port              int
	TickRate          int
	MaxRooms          int
	MaxPlayersPerRoom int
	RedisAddr         string
	RedisPassword     string
	LogLevel          string
	LogFile           string
}

// DefaultConfig mirrors the defaults documented for the environment variables.
func DefaultConfig() Config {
	return Config{
		Port:              9001,
		TickRate:          20,
		MaxRooms:          100,
		MaxPlayersPerRoom: 4,
		RedisAddr:         "localhost:6379",
		RedisPassword:     "",
		LogLevel:          "info",
		LogFile:           "arena.log",
	}
}

// LoadConfig reads Config from the environment, falling back to defaults for
// anything unset or malformed. A malformed numeric variable is logged and
// skipped rather than treated as fatal — this is an operator mistake, not an
// infrastructure failure.
func LoadConfig() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		} else {
			bootLog("warn: PORT=%q is not a valid port, using default %d", v, cfg.Port)
		}
	}
	if v := os.Getenv("TICK_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TickRate = n
		} else {
			bootLog("warn: TICK_RATE=%q is not a valid rate, using default %d", v, cfg.TickRate)
		}
	}
	if v := os.Getenv("MAX_ROOMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRooms = n
		} else {
			bootLog("warn: MAX_ROOMS=%q is not valid, using default %d", v, cfg.MaxRooms)
		}
	}
	if v := os.Getenv("MAX_PLAYERS_PER_ROOM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPlayersPerRoom = n
		} else {
			bootLog("warn: MAX_PLAYERS_PER_ROOM=%q is not valid, using default %d", v, cfg.MaxPlayersPerRoom)
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		if strings.Contains(v, ":") {
			cfg.RedisAddr = v
		} else {
			cfg.RedisAddr = v + ":6379"
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	return cfg
}

// bootLog is used before the zap logger exists (i.e. while parsing the
// config that the logger itself depends on for its level).
func bootLog(format string, args ...any) {
	_, _ = os.Stderr.WriteString("[boot] " + fmt.Sprintf(format, args...) + "\n")
}
