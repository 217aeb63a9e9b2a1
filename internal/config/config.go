package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ObservabilityConfig controls the internal self-observability and metrics
// emitter surfaces.
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"metrics"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Logging      struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// StoreConfig selects and tunes the Persistent Store Adapter.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"` // "redis" or "memory"
	RedisAddr   string `mapstructure:"redis_addr"`
	CASAttempts int    `mapstructure:"cas_attempts"`
}

// PolicyConfig controls where budgets/routing/pricing documents are loaded
// from and how often they are refreshed.
type PolicyConfig struct {
	Dir             string        `mapstructure:"dir"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// RulesConfig controls the optional OPA-based custom rule overlay.
type RulesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// FailureMode governs Guard behavior when a dependency (store, rules) is
// unavailable.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// Features is the top-level configuration document, loaded from YAML via
// viper the way the teacher's features.yaml is loaded.
type Features struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
	Store         StoreConfig         `mapstructure:"store"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Rules         RulesConfig         `mapstructure:"rules"`
	FailureMode   string              `mapstructure:"failure_mode"`
}

// Load loads guard.yaml from CONFIG_PATH or, when that is unset, from
// /etc/strand-cost-guard/guard.yaml if it exists, else config/guard.yaml,
// falling back to defaults if no file is present.
func Load() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/etc/strand-cost-guard/guard.yaml"); err == nil {
			cfgPath = "/etc/strand-cost-guard/guard.yaml"
		} else {
			cfgPath = "config/guard.yaml"
		}
	}

	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "guard.yaml")
	}

	f := Defaults()

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	if err := v.Unmarshal(f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return f, nil
}

// Defaults returns the built-in configuration used when no file is present.
func Defaults() *Features {
	f := &Features{FailureMode: string(FailOpen)}
	f.Observability.Metrics.Enabled = true
	f.Observability.Metrics.Port = 9464
	f.Observability.Logging.Level = "info"
	f.Observability.Logging.Format = "json"
	f.Store.Backend = "memory"
	f.Store.RedisAddr = "localhost:6379"
	f.Store.CASAttempts = 8
	f.Policy.Dir = "config/policies"
	f.Policy.RefreshInterval = 30 * time.Second
	f.Rules.Enabled = false
	f.Rules.Dir = "config/rules"
	return f
}

// ResolvedFailureMode applies the FAILURE_MODE env override on top of the
// loaded config, falling back to fail-open.
func (f *Features) ResolvedFailureMode() FailureMode {
	if v := os.Getenv("FAILURE_MODE"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "fail_closed", "closed":
			return FailClosed
		case "fail_open", "open":
			return FailOpen
		}
	}
	if f != nil && f.FailureMode == string(FailClosed) {
		return FailClosed
	}
	return FailOpen
}

// CASAttemptsFromEnvOrDefault resolves the CAS retry bound, env override
// first, then config, then the spec.md default of 8.
func CASAttemptsFromEnvOrDefault(f *Features) int {
	if v := os.Getenv("STORE_CAS_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	if f != nil && f.Store.CASAttempts > 0 {
		return f.Store.CASAttempts
	}
	return 8
}

// ParseBool converts common string representations to bool.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}
