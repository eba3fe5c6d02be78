package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv creates a logger configuration based on environment variables
func GetConfigFromEnv() Config {
	config := DefaultConfig

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}

	formatSet := false
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
		formatSet = true
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
	}

	if file := os.Getenv("LOG_FILE"); file != "" {
		config.File = file
	}

	if maxSize := os.Getenv("LOG_MAX_SIZE_MB"); maxSize != "" {
		if n, err := strconv.Atoi(maxSize); err == nil && n > 0 {
			config.MaxSizeMB = n
		}
	}

	// Environment-specific defaults, explicit LOG_FORMAT wins
	switch config.Environment {
	case EnvProduction:
		if !formatSet {
			config.Format = "json"
		}
		config.AddSource = false
	case EnvTest:
		if !formatSet {
			config.Format = "text"
		}
		config.AddSource = false
	case EnvDevelopment:
		if !formatSet {
			config.Format = "text"
		}
		config.AddSource = true
	}

	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}

	return config
}

// DynamicLevelVar allows changing log level at runtime
type DynamicLevelVar struct {
	*slog.LevelVar
}

// NewDynamicLevelVar creates a new dynamic level variable
func NewDynamicLevelVar(initialLevel slog.Level) *DynamicLevelVar {
	levelVar := &slog.LevelVar{}
	levelVar.Set(initialLevel)
	return &DynamicLevelVar{LevelVar: levelVar}
}

// SetFromString sets the level from a string representation
func (d *DynamicLevelVar) SetFromString(level string) bool {
	switch strings.ToLower(level) {
	case "debug":
		d.Set(slog.LevelDebug)
	case "info":
		d.Set(slog.LevelInfo)
	case "warn", "warning":
		d.Set(slog.LevelWarn)
	case "error":
		d.Set(slog.LevelError)
	default:
		return false
	}
	return true
}

// NewLoggerWithDynamicLevel creates a logger with dynamic level support
func NewLoggerWithDynamicLevel(config Config) (*Logger, *DynamicLevelVar) {
	levelVar := NewDynamicLevelVar(parseLevel(config.Level))
	logger := &Logger{Logger: slog.New(newHandler(config, config.Output(), levelVar.LevelVar))}
	return logger, levelVar
}
