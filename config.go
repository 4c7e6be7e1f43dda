package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	CredentialsDir string `toml:"credentials_dir"`
	DBPath         string `toml:"db_path"`
	Debug          bool   `toml:"debug"`

	PollIntervalSeconds     int     `toml:"poll_interval_seconds"`
	APICooldownSeconds      int     `toml:"api_cooldown_seconds"`
	AuthCooldownSeconds     int     `toml:"auth_cooldown_seconds"`
	SessionThreshold        float64 `toml:"session_threshold"`
	WeeklyThreshold         float64 `toml:"weekly_threshold"`
	ProactiveSwap           *bool   `toml:"proactive_swap"`
	RefreshLookaheadMinutes int     `toml:"refresh_lookahead_minutes"`
	AllUsageTTLSeconds      int     `toml:"all_usage_ttl_seconds"`
	NotifyWindowMillis      int     `toml:"notify_window_ms"`
	NotifyCap               int     `toml:"notify_cap"`
	MaxConsecutiveFailures  int     `toml:"max_consecutive_failures"`
	HTTPTimeoutSeconds      int     `toml:"http_timeout_seconds"`

	// PriorityOrder breaks score ties during failover selection. Account IDs
	// earlier in the list win.
	PriorityOrder []string `toml:"priority_order"`

	// ExtraAllowedHosts extends the built-in provider host allow-list.
	// Intended for self-hosted GLM gateways; anything else should stay out.
	ExtraAllowedHosts []string `toml:"extra_allowed_hosts"`

	Accounts []AccountConfig `toml:"accounts"`
}

// AccountConfig declares one managed account. Secrets live in the
// credentials dir, not here.
type AccountConfig struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Email    string `toml:"email"`
	Provider string `toml:"provider"`
	Kind     string `toml:"kind"` // oauth or apikey
	BaseURL  string `toml:"base_url"`
	Active   bool   `toml:"active"`
}

// Config is the resolved runtime configuration.
type Config struct {
	credentialsDir string
	dbPath         string
	debug          bool

	pollInterval     time.Duration
	apiCooldown      time.Duration
	authCooldown     time.Duration
	sessionThreshold float64
	weeklyThreshold  float64
	proactiveSwap    bool
	refreshLookahead time.Duration
	allUsageTTL      time.Duration
	notifyWindow     time.Duration
	notifyCap        int
	maxFailures      int
	httpTimeout      time.Duration

	priorityOrder     []string
	extraAllowedHosts []string
	accounts          []AccountConfig
}

// loadConfigFile loads config.toml if it exists.
// Returns nil if the file doesn't exist.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveConfig merges file values with env overrides and defaults.
// Priority: env var > config file > default.
func resolveConfig(fileCfg *ConfigFile) (*Config, error) {
	if fileCfg == nil {
		fileCfg = &ConfigFile{}
	}

	cfg := &Config{
		credentialsDir: getConfigString("PILOT_CREDENTIALS_DIR", fileCfg.CredentialsDir, "credentials"),
		dbPath:         getConfigString("PILOT_DB_PATH", fileCfg.DBPath, "usage-cache.db"),
		debug:          getConfigBool("PILOT_DEBUG", fileCfg.Debug, false),

		pollInterval:     secondsConfig("PILOT_POLL_INTERVAL_SECONDS", fileCfg.PollIntervalSeconds, 30),
		apiCooldown:      secondsConfig("PILOT_API_COOLDOWN_SECONDS", fileCfg.APICooldownSeconds, 120),
		authCooldown:     secondsConfig("PILOT_AUTH_COOLDOWN_SECONDS", fileCfg.AuthCooldownSeconds, 300),
		sessionThreshold: getConfigFloat64("PILOT_SESSION_THRESHOLD", fileCfg.SessionThreshold, 95),
		weeklyThreshold:  getConfigFloat64("PILOT_WEEKLY_THRESHOLD", fileCfg.WeeklyThreshold, 99),
		refreshLookahead: time.Duration(getConfigInt("PILOT_REFRESH_LOOKAHEAD_MINUTES", fileCfg.RefreshLookaheadMinutes, 30)) * time.Minute,
		allUsageTTL:      secondsConfig("PILOT_ALL_USAGE_TTL_SECONDS", fileCfg.AllUsageTTLSeconds, 60),
		notifyWindow:     time.Duration(getConfigInt("PILOT_NOTIFY_WINDOW_MS", fileCfg.NotifyWindowMillis, 2000)) * time.Millisecond,
		notifyCap:        getConfigInt("PILOT_NOTIFY_CAP", fileCfg.NotifyCap, 5),
		maxFailures:      getConfigInt("PILOT_MAX_CONSECUTIVE_FAILURES", fileCfg.MaxConsecutiveFailures, 3),
		httpTimeout:      secondsConfig("PILOT_HTTP_TIMEOUT_SECONDS", fileCfg.HTTPTimeoutSeconds, 30),

		priorityOrder:     fileCfg.PriorityOrder,
		extraAllowedHosts: fileCfg.ExtraAllowedHosts,
		accounts:          fileCfg.Accounts,
	}

	// Proactive swap defaults on; a bare "proactive_swap = false" must stick.
	cfg.proactiveSwap = true
	if fileCfg.ProactiveSwap != nil {
		cfg.proactiveSwap = *fileCfg.ProactiveSwap
	}
	if v := os.Getenv("PILOT_PROACTIVE_SWAP"); v != "" {
		cfg.proactiveSwap = v == "1" || v == "true"
	}

	for i, ac := range cfg.accounts {
		if ac.ID == "" {
			return nil, fmt.Errorf("accounts[%d]: missing id", i)
		}
		switch AccountKind(ac.Kind) {
		case AccountKindOAuth, AccountKindAPIKey:
		default:
			return nil, fmt.Errorf("account %s: unknown kind %q", ac.ID, ac.Kind)
		}
	}

	return cfg, nil
}

func secondsConfig(envKey string, configValue int, defaultSeconds int) time.Duration {
	return time.Duration(getConfigInt(envKey, configValue, defaultSeconds)) * time.Second
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigFloat64 returns the config value with priority: env var > config file > default.
func getConfigFloat64(envKey string, configValue float64, defaultValue float64) float64 {
	if v := os.Getenv(envKey); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}
