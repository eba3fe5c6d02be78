package conflict

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuleConfig is the on-disk form of a rule set.
//
//	version: "1"
//	name: app-rules
//	default_strategy: client_wins
//	rules:
//	  - name: profiles
//	    pattern: users/*
//	    strategy: server_wins
type RuleConfig struct {
	Version         string            `json:"version" yaml:"version"`
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultStrategy string            `json:"default_strategy,omitempty" yaml:"default_strategy,omitempty"`
	Rules           []RuleConfigEntry `json:"rules" yaml:"rules"`
}

// RuleConfigEntry is a single configured rule.
type RuleConfigEntry struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Strategy    string `json:"strategy" yaml:"strategy"`
}

// Validator checks a configuration before it is applied.
type Validator interface {
	Validate(config *RuleConfig) error
	Name() string
}

// Watcher is told about applied configurations and load failures.
type Watcher interface {
	OnConfigChanged(oldConfig, newConfig *RuleConfig)
	OnConfigError(err error)
	Name() string
}

// Loader reads rule configurations and keeps a RuleSet in sync with them.
type Loader struct {
	mu         sync.RWMutex
	current    *RuleConfig
	rules      *RuleSet
	validators []Validator
	watchers   []Watcher
	logger     *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithValidator adds a validator run after the built-in BasicValidator.
func WithValidator(v Validator) LoaderOption {
	return func(l *Loader) { l.validators = append(l.validators, v) }
}

// WithWatcher adds a change watcher.
func WithWatcher(w Watcher) LoaderOption {
	return func(l *Loader) { l.watchers = append(l.watchers, w) }
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a loader updating rules on every successful load.
// If rules is nil a fresh client_wins RuleSet is created.
func NewLoader(rules *RuleSet, opts ...LoaderOption) *Loader {
	if rules == nil {
		rules, _ = NewRuleSet(ClientWins)
	}
	l := &Loader{
		rules:      rules,
		validators: []Validator{&BasicValidator{}},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RuleSet returns the rule set this loader maintains.
func (l *Loader) RuleSet() *RuleSet {
	return l.rules
}

// LoadFromFile loads a YAML or JSON file, chosen by extension.
func (l *Loader) LoadFromFile(path string) error {
	l.logger.Debug("Loading conflict rules from file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read rules file %s: %w", path, err)
		l.notifyError(err)
		return err
	}
	return l.LoadFromBytes(data, detectFormat(path))
}

// LoadFromBytes parses data as "yaml" or "json" and applies it.
func (l *Loader) LoadFromBytes(data []byte, format string) error {
	var config RuleConfig

	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			err = fmt.Errorf("failed to parse YAML rules: %w", err)
			l.notifyError(err)
			return err
		}
	case "json":
		if err := json.Unmarshal(data, &config); err != nil {
			err = fmt.Errorf("failed to parse JSON rules: %w", err)
			l.notifyError(err)
			return err
		}
	default:
		return fmt.Errorf("unsupported rules format: %s", format)
	}

	return l.apply(&config)
}

func (l *Loader) apply(config *RuleConfig) error {
	for _, v := range l.validators {
		if err := v.Validate(config); err != nil {
			l.logger.Error("Rule validation failed", "validator", v.Name(), "error", err)
			err = fmt.Errorf("validator %s failed: %w", v.Name(), err)
			l.notifyError(err)
			return err
		}
	}

	fallback, rules, err := config.Build()
	if err != nil {
		l.notifyError(err)
		return err
	}
	if err := l.rules.Replace(fallback, rules); err != nil {
		l.notifyError(err)
		return err
	}

	l.mu.Lock()
	old := l.current
	l.current = config
	l.mu.Unlock()

	for _, w := range l.watchers {
		l.safeNotify(w, func() { w.OnConfigChanged(old, config) })
	}

	l.logger.Debug("Conflict rules applied", "name", config.Name, "version", config.Version, "rules", len(rules))
	return nil
}

// Current returns the last applied configuration, or nil.
func (l *Loader) Current() *RuleConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Loader) notifyError(err error) {
	for _, w := range l.watchers {
		l.safeNotify(w, func() { w.OnConfigError(err) })
	}
}

func (l *Loader) safeNotify(w Watcher, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Rule watcher panic", "watcher", w.Name(), "panic", r)
		}
	}()
	fn()
}

// Build converts the configuration into a fallback strategy and ordered rules.
// Disabled rules are skipped.
func (c *RuleConfig) Build() (Strategy, []Rule, error) {
	fallback := ClientWins
	if c.DefaultStrategy != "" {
		s, err := ParseStrategy(c.DefaultStrategy)
		if err != nil {
			return "", nil, fmt.Errorf("default strategy: %w", err)
		}
		fallback = s
	}

	rules := make([]Rule, 0, len(c.Rules))
	for _, entry := range c.Rules {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		s, err := ParseStrategy(entry.Strategy)
		if err != nil {
			return "", nil, fmt.Errorf("rule %s: %w", entry.Name, err)
		}
		rules = append(rules, Rule{Name: entry.Name, Pattern: entry.Pattern, Strategy: s})
	}
	return fallback, rules, nil
}

func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

// BasicValidator requires a version, a name, and well-formed unique rules.
type BasicValidator struct{}

func (v *BasicValidator) Name() string {
	return "basic"
}

func (v *BasicValidator) Validate(config *RuleConfig) error {
	if config.Version == "" {
		return fmt.Errorf("rules version is required")
	}
	if config.Name == "" {
		return fmt.Errorf("rules name is required")
	}

	names := make(map[string]bool)
	for _, rule := range config.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule name is required")
		}
		if names[rule.Name] {
			return fmt.Errorf("duplicate rule name: %s", rule.Name)
		}
		names[rule.Name] = true

		if rule.Pattern == "" {
			return fmt.Errorf("pattern is required for rule %s", rule.Name)
		}
		if rule.Strategy == "" {
			return fmt.Errorf("strategy is required for rule %s", rule.Name)
		}
	}
	return nil
}

// LoggingWatcher logs rule changes.
type LoggingWatcher struct {
	logger *slog.Logger
}

func NewLoggingWatcher(logger *slog.Logger) *LoggingWatcher {
	return &LoggingWatcher{logger: logger}
}

func (w *LoggingWatcher) Name() string {
	return "logging"
}

func (w *LoggingWatcher) OnConfigChanged(oldConfig, newConfig *RuleConfig) {
	if w.logger == nil {
		return
	}
	if oldConfig == nil {
		w.logger.Info("Conflict rules loaded", "name", newConfig.Name, "rules", len(newConfig.Rules))
		return
	}
	w.logger.Info("Conflict rules updated",
		"old_version", oldConfig.Version,
		"new_version", newConfig.Version,
		"rules", len(newConfig.Rules))
}

func (w *LoggingWatcher) OnConfigError(err error) {
	if w.logger != nil {
		w.logger.Error("Conflict rules error", "error", err)
	}
}
