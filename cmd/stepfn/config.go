package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// config holds the server settings. Values are resolved in order: defaults,
// YAML file, environment, command line flags.
type config struct {
	HTTPAddr    string `yaml:"http_addr"`
	AppID       string `yaml:"app_id"`
	ServeOrigin string `yaml:"serve_origin"`
	ServePath   string `yaml:"serve_path"`
	Debug       bool   `yaml:"debug"`
	// MaxBodyBytes bounds round invocation bodies. Zero keeps the default.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// DevRuns mounts the local run endpoints driving functions in process.
	DevRuns bool `yaml:"dev_runs"`
	// Store selects the run store of the local runner: memory, redis or
	// mongo.
	Store         string `yaml:"store"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

func defaultConfig() config {
	return config{
		HTTPAddr:      "localhost:3000",
		AppID:         "stepfn-demo",
		Store:         "memory",
		RedisAddr:     "localhost:6379",
		MongoURI:      "mongodb://localhost:27017",
		MongoDatabase: "stepfn",
	}
}

// loadConfig reads the YAML file at path on top of cfg. An empty path leaves
// cfg unchanged.
func loadConfig(path string, cfg config) (config, error) {
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overrides cfg with the STEPFN_* environment variables.
func applyEnv(cfg config) config {
	cfg.HTTPAddr = envOr("STEPFN_HTTP_ADDR", cfg.HTTPAddr)
	cfg.AppID = envOr("STEPFN_APP_ID", cfg.AppID)
	cfg.ServeOrigin = envOr("STEPFN_SERVE_ORIGIN", cfg.ServeOrigin)
	cfg.ServePath = envOr("STEPFN_SERVE_PATH", cfg.ServePath)
	cfg.Debug = envBoolOr("STEPFN_DEBUG", cfg.Debug)
	cfg.MaxBodyBytes = envInt64Or("STEPFN_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.DevRuns = envBoolOr("STEPFN_DEV_RUNS", cfg.DevRuns)
	cfg.Store = envOr("STEPFN_STORE", cfg.Store)
	cfg.RedisAddr = envOr("REDIS_URL", cfg.RedisAddr)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.MongoURI = envOr("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = envOr("MONGO_DATABASE", cfg.MongoDatabase)
	return cfg
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envInt64Or returns the environment variable as int64 or a default.
func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}
