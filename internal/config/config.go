// Package config loads server settings from layered INI files with
// POSTLAB_* environment overrides.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/postlab.ini"
)

// ServerConfig describes runtime options for the PostLab server.
type ServerConfig struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string

	// Usage ledger backend: "sqlite" (default) or "postgres".
	UsageBackend string
	UsageDBPath  string
	UsageDSN     string

	HistoryDBPath string
	UserDBPath    string
	HistoryAsync  bool

	// Analysis provider. An empty API key switches the server to the
	// loopback provider for local development.
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	PremiumModel      string
	LiteModel         string
	RequestTimeout    time.Duration

	SessionSecret   string
	SessionDisabled bool

	PromptsFile string
}

// Load reads config/setting.ini under root for the active environment, then
// merges config/<env>/postlab.ini over its defaults. Environment variables
// win over both. A missing file is not an error.
func Load(root string) (ServerConfig, error) {
	if root == "" {
		root = "."
	}
	env, defaults, err := loadSettings(root)
	if err != nil {
		return ServerConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, env)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return ServerConfig{}, err
		}
		envValues = map[string]string{}
	}

	merged := make(map[string]string, len(defaults)+len(envValues))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServerConfig{
		Environment:       env,
		HTTPAddress:       value(merged, "http_address", ":8787"),
		LogFile:           value(merged, "log_file", filepath.Join(DefaultDataDir(), "postlab.log")),
		LogLevel:          value(merged, "log_level", "info"),
		UsageBackend:      strings.ToLower(value(merged, "usage_backend", "sqlite")),
		UsageDBPath:       value(merged, "usage_db_path", filepath.Join(DefaultDataDir(), "usage.db")),
		UsageDSN:          value(merged, "usage_dsn", ""),
		HistoryDBPath:     value(merged, "history_db_path", filepath.Join(DefaultDataDir(), "history.db")),
		UserDBPath:        value(merged, "user_db_path", filepath.Join(DefaultDataDir(), "users.db")),
		HistoryAsync:      parseOptionalBool(value(merged, "history_async", ""), true),
		OpenRouterAPIKey:  value(merged, "openrouter_api_key", ""),
		OpenRouterBaseURL: value(merged, "openrouter_base_url", ""),
		PremiumModel:      value(merged, "premium_model", ""),
		LiteModel:         value(merged, "lite_model", ""),
		SessionSecret:     value(merged, "session_secret", ""),
		SessionDisabled:   parseOptionalBool(value(merged, "session_disabled", ""), false),
		PromptsFile:       value(merged, "prompts_file", ""),
	}

	if v := value(merged, "request_timeout", ""); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid request_timeout %q: %w", v, err)
		}
		cfg.RequestTimeout = dur
	}

	switch cfg.UsageBackend {
	case "sqlite", "postgres":
	default:
		return ServerConfig{}, fmt.Errorf("unknown usage_backend %q", cfg.UsageBackend)
	}
	if cfg.UsageBackend == "postgres" && cfg.UsageDSN == "" {
		return ServerConfig{}, errors.New("usage_backend postgres requires usage_dsn")
	}
	return cfg, nil
}

// value resolves a key with env-over-file precedence. The environment
// variable name is POSTLAB_ plus the upper-cased key.
func value(merged map[string]string, key, fallback string) string {
	return firstNonEmpty(os.Getenv("POSTLAB_"+strings.ToUpper(key)), merged[key], fallback)
}

// DefaultDataDir is where databases and logs live unless configured away.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".postlab"
	}
	return filepath.Join(home, ".postlab")
}

func loadSettings(root string) (env string, defaults map[string]string, err error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return defaultEnv, map[string]string{}, nil
	}
	if err != nil {
		return "", nil, err
	}
	env = values["environment"]
	if env == "" {
		env = defaultEnv
	}
	delete(values, "environment")
	return env, values, nil
}

// parseINI reads a flat key=value file. Section headers, blank lines and
// comment lines are skipped.
func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		values[key] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
