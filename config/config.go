// Package config holds the orchestrator's run configuration, populated
// from environment variables (with an optional .env file) the same way
// every cmd/ entrypoint in this codebase has always done it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the orchestrator's run configuration.
type Config struct {
	ScorePath       string // MusicXML input
	PerformancePath string // standard MIDI file input
	SVGPath         string // visual engraving input (consumed by symbolic-lane executors only)
	RunRoot         string // where registry.json, logs/, artifacts/, backups/ live

	TWindow    time.Duration
	MaxWorkers int

	ContinueOnNonCriticalFailure bool

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	RetryMaxAttempts int

	SentryDSN string // optional; read from SENTRY_DSN but not passed to metrics.NewSentryMetrics, and no Sentry client is initialised from it
}

// FromEnv populates a Config from environment variables, applying the
// same defaults spec.md pins (100ms match window, 5-failure breaker
// threshold, 60s recovery).
func FromEnv() (*Config, error) {
	cfg := &Config{
		ScorePath:               os.Getenv("SCORESYNC_SCORE_PATH"),
		PerformancePath:         os.Getenv("SCORESYNC_PERFORMANCE_PATH"),
		SVGPath:                 os.Getenv("SCORESYNC_SVG_PATH"),
		RunRoot:                 getEnvDefault("SCORESYNC_RUN_ROOT", "./run"),
		TWindow:                 getDurationMS("SCORESYNC_T_WINDOW_MS", 100),
		MaxWorkers:              getEnvInt("SCORESYNC_MAX_WORKERS", 1),
		ContinueOnNonCriticalFailure: getEnvBool("SCORESYNC_CONTINUE_ON_NON_CRITICAL", false),
		BreakerFailureThreshold: getEnvInt("SCORESYNC_BREAKER_THRESHOLD", 5),
		BreakerRecoveryTimeout:  getDurationSeconds("SCORESYNC_BREAKER_RECOVERY_SECONDS", 60),
		RetryMaxAttempts:        getEnvInt("SCORESYNC_RETRY_MAX_ATTEMPTS", 3),
		SentryDSN:               os.Getenv("SENTRY_DSN"),
	}

	if cfg.ScorePath == "" {
		return nil, fmt.Errorf("config: SCORESYNC_SCORE_PATH is required")
	}
	if cfg.PerformancePath == "" {
		return nil, fmt.Errorf("config: SCORESYNC_PERFORMANCE_PATH is required")
	}
	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getDurationMS(key string, defMS int) time.Duration {
	return time.Duration(getEnvInt(key, defMS)) * time.Millisecond
}

func getDurationSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defSeconds)) * time.Second
}
