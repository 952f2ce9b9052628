// Package config loads the appliance configuration from a YAML file and
// DOORMAN_-prefixed environment variables, with built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Policy   PolicyConfig   `koanf:"policy"`
	Debounce DebounceConfig `koanf:"debounce"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// PipelineConfig sets the gate size and per-stage budgets. Perception and
// intelligence get the most generous budgets since they call slow
// external services; policy evaluation is pure computation.
type PipelineConfig struct {
	MaxConcurrentSessions int           `koanf:"max_concurrent_sessions"`
	SessionQueueCapacity  int           `koanf:"session_queue_capacity"`
	PerceptionTimeout     time.Duration `koanf:"perception_timeout"`
	IntelligenceTimeout   time.Duration `koanf:"intelligence_timeout"`
	DecisionTimeout       time.Duration `koanf:"decision_timeout"`
	ActionTimeout         time.Duration `koanf:"action_timeout"`
}

// PolicyConfig holds the deterministic decision thresholds. Vacation mode
// swaps in the stricter vacation thresholds.
type PolicyConfig struct {
	EscalateThreshold         float64 `koanf:"escalate_threshold"`
	AutoReplyMaxRisk          float64 `koanf:"auto_reply_max_risk"`
	AutoReplyEnabled          bool    `koanf:"auto_reply_enabled"`
	VacationMode              bool    `koanf:"vacation_mode"`
	VacationEscalateThreshold float64 `koanf:"vacation_escalate_threshold"`
	VacationAutoReplyMaxRisk  float64 `koanf:"vacation_auto_reply_max_risk"`
}

// EscalateAt returns the active escalate threshold.
func (p PolicyConfig) EscalateAt() float64 {
	if p.VacationMode {
		return p.VacationEscalateThreshold
	}
	return p.EscalateThreshold
}

// AutoReplyBelow returns the active auto-reply risk ceiling.
func (p PolicyConfig) AutoReplyBelow() float64 {
	if p.VacationMode {
		return p.VacationAutoReplyMaxRisk
	}
	return p.AutoReplyMaxRisk
}

type DebounceConfig struct {
	ScanInterval    time.Duration `koanf:"scan_interval"`
	ConfidenceFloor float64       `koanf:"confidence_floor"`
	StreakThreshold int           `koanf:"streak_threshold"`
	SuppressRepeats bool          `koanf:"suppress_repeats"`
	MaxSessions     int           `koanf:"max_sessions"`
}

// Default returns the built-in configuration. The policy section in
// particular must always be usable even when no config source exists.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{Type: "sqlite", SQLite: SQLiteConfig{Path: "./data/doorman.db"}},
		Pipeline: PipelineConfig{
			MaxConcurrentSessions: 2,
			SessionQueueCapacity:  4,
			PerceptionTimeout:     10 * time.Second,
			IntelligenceTimeout:   10 * time.Second,
			DecisionTimeout:       2 * time.Second,
			ActionTimeout:         8 * time.Second,
		},
		Policy: PolicyConfig{
			EscalateThreshold:         0.7,
			AutoReplyMaxRisk:          0.4,
			AutoReplyEnabled:          true,
			VacationMode:              false,
			VacationEscalateThreshold: 0.5,
			VacationAutoReplyMaxRisk:  0.2,
		},
		Debounce: DebounceConfig{
			ScanInterval:    400 * time.Millisecond,
			ConfidenceFloor: 0.55,
			StreakThreshold: 2,
			SuppressRepeats: false,
			MaxSessions:     256,
		},
	}
}

// Load reads path (if non-empty) and the environment on top of the
// built-in defaults. A missing or malformed file is never fatal: the
// defaults are returned together with the load error so the caller can
// log it and continue.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	var loadErr error
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			loadErr = fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("DOORMAN_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "DOORMAN_")), "_", ".")
	}), nil); err != nil {
		return Default(), fmt.Errorf("load env: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Default(), fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, loadErr
}

// applyDefaults seeds every key the file and environment left unset.
func applyDefaults(k *koanf.Koanf) {
	d := Default()
	defaults := map[string]interface{}{
		"server.port":                          d.Server.Port,
		"storage.type":                         d.Storage.Type,
		"storage.sqlite.path":                  d.Storage.SQLite.Path,
		"pipeline.max_concurrent_sessions":     d.Pipeline.MaxConcurrentSessions,
		"pipeline.session_queue_capacity":      d.Pipeline.SessionQueueCapacity,
		"pipeline.perception_timeout":          d.Pipeline.PerceptionTimeout,
		"pipeline.intelligence_timeout":        d.Pipeline.IntelligenceTimeout,
		"pipeline.decision_timeout":            d.Pipeline.DecisionTimeout,
		"pipeline.action_timeout":              d.Pipeline.ActionTimeout,
		"policy.escalate_threshold":            d.Policy.EscalateThreshold,
		"policy.auto_reply_max_risk":           d.Policy.AutoReplyMaxRisk,
		"policy.auto_reply_enabled":            d.Policy.AutoReplyEnabled,
		"policy.vacation_mode":                 d.Policy.VacationMode,
		"policy.vacation_escalate_threshold":   d.Policy.VacationEscalateThreshold,
		"policy.vacation_auto_reply_max_risk":  d.Policy.VacationAutoReplyMaxRisk,
		"debounce.scan_interval":               d.Debounce.ScanInterval,
		"debounce.confidence_floor":            d.Debounce.ConfidenceFloor,
		"debounce.streak_threshold":            d.Debounce.StreakThreshold,
		"debounce.suppress_repeats":            d.Debounce.SuppressRepeats,
		"debounce.max_sessions":                d.Debounce.MaxSessions,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}
