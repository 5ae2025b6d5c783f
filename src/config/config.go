// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config reads worker settings from the environment (optionally
// seeded by a .env file) and the evaluator panel from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"continuumreview/src/logging"

	"github.com/joho/godotenv"
)

type DBConfig struct {
	User     string
	Password string
	Name     string
	Host     string
	Port     string
	SSLMode  string
}

// ConnString builds a lib/pq keyword/value connection string.
func (c DBConfig) ConnString() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.User, c.Password, c.Name, c.Host, c.Port, c.SSLMode)
}

// Configured reports whether enough is set to open a connection.
func (c DBConfig) Configured() bool {
	return c.Name != "" && c.Host != ""
}

type ContainerConfig struct {
	Image    string
	MemoryMB int64
	CPULimit float64
}

type Config struct {
	RateCapacity        int
	RateRefillPerMinute float64
	RateMaxWait         time.Duration

	PoolSize        int
	Retention       time.Duration
	ReclaimInterval time.Duration
	WorkspaceRoot   string

	EvaluatorTimeout time.Duration
	PanelFile        string

	UseContainers bool
	Container     ContainerConfig

	DB                DBConfig
	PollingInterval   time.Duration
	WorkerConcurrency int
	MinPriority       int
	MaxPriority       int
	APIPort           string
}

// Load reads envFile if it exists, then the process environment. An absent
// .env file is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		RateCapacity:        envInt("RATE_CAPACITY", 10),
		RateRefillPerMinute: envFloat("RATE_REFILL_PER_MINUTE", 10),
		RateMaxWait:         envDuration("RATE_MAX_WAIT", 0),

		PoolSize:        envInt("POOL_SIZE", 10),
		Retention:       envDuration("WORKSPACE_RETENTION", 24*time.Hour),
		ReclaimInterval: envDuration("RECLAIM_INTERVAL", 6*time.Hour),
		WorkspaceRoot:   envString("WORKSPACE_ROOT", filepath.Join(os.TempDir(), "continuum-workspaces")),

		EvaluatorTimeout: envDuration("EVALUATOR_TIMEOUT", 5*time.Minute),
		PanelFile:        envString("PANEL_FILE", "panel.yaml"),

		UseContainers: envBool("USE_CONTAINERS", false),
		Container: ContainerConfig{
			Image:    envString("CONTAINER_IMAGE", "python:3.9-slim"),
			MemoryMB: int64(envInt("CONTAINER_MEMORY_MB", 512)),
			CPULimit: envFloat("CONTAINER_CPU_LIMIT", 0.5),
		},

		DB: DBConfig{
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     os.Getenv("DB_NAME"),
			Host:     os.Getenv("DB_HOST"),
			Port:     envString("DB_PORT", "5432"),
			SSLMode:  envString("DB_SSLMODE", "require"),
		},
		PollingInterval:   time.Duration(envInt("POLLING_INTERVAL", 5)) * time.Second,
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
		MinPriority:       envInt("MIN_PRIORITY", 0),
		MaxPriority:       envInt("MAX_PRIORITY", 0),
		APIPort:           envString("API_PORT", "8080"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.RateCapacity <= 0 {
		errs = append(errs, fmt.Errorf("RATE_CAPACITY must be > 0, got %d", c.RateCapacity))
	}
	if c.RateRefillPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("RATE_REFILL_PER_MINUTE must be > 0, got %v", c.RateRefillPerMinute))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("POOL_SIZE must be > 0, got %d", c.PoolSize))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("WORKSPACE_RETENTION must be > 0, got %v", c.Retention))
	}
	if c.ReclaimInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECLAIM_INTERVAL must be > 0, got %v", c.ReclaimInterval))
	}
	if c.EvaluatorTimeout <= 0 {
		errs = append(errs, fmt.Errorf("EVALUATOR_TIMEOUT must be > 0, got %v", c.EvaluatorTimeout))
	}
	if c.PollingInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLLING_INTERVAL must be > 0, got %v", c.PollingInterval))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be > 0, got %d", c.WorkerConcurrency))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		warnDefault(name, raw, def, err)
		return def
	}
	return v
}

func envFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		warnDefault(name, raw, def, err)
		return def
	}
	return v
}

func envBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		warnDefault(name, raw, def, err)
		return def
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		warnDefault(name, raw, def, err)
		return def
	}
	return v
}

func warnDefault(name, raw string, def any, err error) {
	logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %v: %v", name, raw, def, err), slog.LevelWarn)
}
