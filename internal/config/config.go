// Package config loads gatekeep settings from defaults, user and project
// TOML files, GATEKEEP_* environment variables and flag overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// StateDirName is the per-project and per-user state directory.
const StateDirName = ".gatekeep"

// Audit backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Classifier providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// Config is the full gatekeep configuration.
type Config struct {
	General       GeneralConfig       `toml:"general" mapstructure:"general" json:"general"`
	Audit         AuditConfig         `toml:"audit" mapstructure:"audit" json:"audit"`
	Gate          GateConfig          `toml:"gate" mapstructure:"gate" json:"gate"`
	Classifier    ClassifierConfig    `toml:"classifier" mapstructure:"classifier" json:"classifier"`
	Patterns      PatternsConfig      `toml:"patterns" mapstructure:"patterns" json:"patterns"`
	Notifications NotificationsConfig `toml:"notifications" mapstructure:"notifications" json:"notifications"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	// DBPath defaults to <project>/.gatekeep/state.db.
	DBPath             string `toml:"db_path" mapstructure:"db_path" json:"db_path"`
	UserID             string `toml:"user_id" mapstructure:"user_id" json:"user_id"`
	L1RequiresApproval bool   `toml:"l1_requires_approval" mapstructure:"l1_requires_approval"`
}

// AuditConfig selects and tunes the audit backend.
type AuditConfig struct {
	Backend string `toml:"backend" mapstructure:"backend" json:"backend"`
	// Dir is used by the file backend; defaults to <project>/.gatekeep/audit.
	Dir            string `toml:"dir" mapstructure:"dir" json:"dir"`
	SegmentFormat  string `toml:"segment_format" mapstructure:"segment_format" json:"segment_format"`
	RecordReadOnly bool   `toml:"record_read_only" mapstructure:"record_read_only" json:"record_read_only"`
}

// GateConfig tunes the approval gate.
type GateConfig struct {
	// TimeoutSecs of 0 disables the approval timer.
	TimeoutSecs    int  `toml:"timeout_secs" mapstructure:"timeout_secs" json:"timeout_secs"`
	RecoverOnStart bool `toml:"recover_on_start" mapstructure:"recover_on_start" json:"recover_on_start"`
}

// ClassifierConfig configures the LLM fallback classifier.
type ClassifierConfig struct {
	Provider          string `toml:"provider" mapstructure:"provider" json:"provider"`
	Model             string `toml:"model" mapstructure:"model" json:"model"`
	Endpoint          string `toml:"endpoint" mapstructure:"endpoint" json:"endpoint"`
	APIKeyEnv         string `toml:"api_key_env" mapstructure:"api_key_env" json:"api_key_env"`
	EnvFile           string `toml:"env_file" mapstructure:"env_file" json:"env_file"`
	TimeoutSecs       int    `toml:"timeout_secs" mapstructure:"timeout_secs" json:"timeout_secs"`
	CacheTTLSecs      int    `toml:"cache_ttl_secs" mapstructure:"cache_ttl_secs" json:"cache_ttl_secs"`
	RequestsPerMinute int    `toml:"requests_per_minute" mapstructure:"requests_per_minute" json:"requests_per_minute"`
}

// PatternsConfig extends the built-in pattern library.
type PatternsConfig struct {
	SensitivePaths []string `toml:"sensitive_paths" mapstructure:"sensitive_paths" json:"sensitive_paths"`
	ConfigPaths    []string `toml:"config_paths" mapstructure:"config_paths" json:"config_paths"`
	Blocked        []string `toml:"blocked" mapstructure:"blocked" json:"blocked"`
}

// NotificationsConfig selects approval presenters.
type NotificationsConfig struct {
	DesktopEnabled  bool `toml:"desktop_enabled" mapstructure:"desktop_enabled" json:"desktop_enabled"`
	TerminalEnabled bool `toml:"terminal_enabled" mapstructure:"terminal_enabled" json:"terminal_enabled"`
}

// ApprovalTimeout returns the gate timeout; a negative value disables it.
func (c Config) ApprovalTimeout() time.Duration {
	if c.Gate.TimeoutSecs == 0 {
		return -1
	}
	return time.Duration(c.Gate.TimeoutSecs) * time.Second
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			L1RequiresApproval: true,
		},
		Audit: AuditConfig{
			Backend:       BackendSQLite,
			SegmentFormat: "2006-01-02",
		},
		Gate: GateConfig{
			TimeoutSecs:    300,
			RecoverOnStart: true,
		},
		Classifier: ClassifierConfig{
			Provider:          ProviderAnthropic,
			APIKeyEnv:         "ANTHROPIC_API_KEY",
			TimeoutSecs:       20,
			CacheTTLSecs:      600,
			RequestsPerMinute: 30,
		},
		Patterns: PatternsConfig{
			SensitivePaths: []string{},
			ConfigPaths:    []string{},
			Blocked:        []string{},
		},
		Notifications: NotificationsConfig{
			DesktopEnabled:  false,
			TerminalEnabled: true,
		},
	}
}

// envBindings maps config keys to their environment variables.
var envBindings = map[string]string{
	"general.db_path":               "GATEKEEP_DB_PATH",
	"general.user_id":               "GATEKEEP_USER_ID",
	"general.l1_requires_approval":  "GATEKEEP_L1_REQUIRES_APPROVAL",
	"audit.backend":                 "GATEKEEP_AUDIT_BACKEND",
	"audit.dir":                     "GATEKEEP_AUDIT_DIR",
	"audit.record_read_only":        "GATEKEEP_AUDIT_READ_ONLY",
	"gate.timeout_secs":             "GATEKEEP_APPROVAL_TIMEOUT",
	"classifier.provider":           "GATEKEEP_CLASSIFIER_PROVIDER",
	"classifier.model":              "GATEKEEP_CLASSIFIER_MODEL",
	"classifier.endpoint":           "GATEKEEP_CLASSIFIER_ENDPOINT",
	"classifier.api_key_env":        "GATEKEEP_CLASSIFIER_API_KEY_ENV",
	"classifier.env_file":           "GATEKEEP_ENV_FILE",
	"classifier.timeout_secs":       "GATEKEEP_CLASSIFIER_TIMEOUT",
	"notifications.desktop_enabled": "GATEKEEP_DESKTOP_NOTIFICATIONS",
}

// LoadOptions controls Load.
type LoadOptions struct {
	// ProjectDir defaults to the working directory.
	ProjectDir string
	// ConfigPath replaces the project config file.
	ConfigPath string
	// FlagOverrides are applied last, keyed by dotted config key.
	FlagOverrides map[string]any
}

// Load resolves the configuration with precedence
// defaults < user file < project file < environment < flags.
func Load(opts LoadOptions) (Config, error) {
	projectDir := opts.ProjectDir
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolving working directory: %w", err)
		}
		projectDir = wd
	}

	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	userPath, projectPath := ConfigPaths(projectDir, opts.ConfigPath)
	if err := mergeConfigFile(v, userPath); err != nil {
		return Config{}, err
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return Config{}, err
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	for key, val := range opts.FlagOverrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	walkLeaves(reflect.ValueOf(d), "", func(key string, val reflect.Value) {
		v.SetDefault(key, val.Interface())
	})
}

// mergeConfigFile merges a TOML file into v. Empty or missing paths are
// ignored.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// ConfigPaths returns the user and project config file paths.
func ConfigPaths(projectDir, override string) (user, project string) {
	if home, err := os.UserHomeDir(); err == nil {
		user = filepath.Join(home, StateDirName, "config.toml")
	}
	return user, projectConfigPath(projectDir, override)
}

func projectConfigPath(projectDir, override string) string {
	if override != "" {
		return override
	}
	if projectDir == "" {
		return filepath.Join(StateDirName, "config.toml")
	}
	return filepath.Join(projectDir, StateDirName, "config.toml")
}

// StateDir returns <project>/.gatekeep.
func StateDir(projectDir string) string {
	return filepath.Join(projectDir, StateDirName)
}

// DBPath returns the configured database path or the project default.
func (c Config) DBPath(projectDir string) string {
	if c.General.DBPath != "" {
		return c.General.DBPath
	}
	return filepath.Join(StateDir(projectDir), "state.db")
}

// AuditDir returns the file backend directory.
func (c Config) AuditDir(projectDir string) string {
	if c.Audit.Dir != "" {
		return c.Audit.Dir
	}
	return filepath.Join(StateDir(projectDir), "audit")
}

// LogDir returns where execution logs are written.
func (c Config) LogDir(projectDir string) string {
	return filepath.Join(StateDir(projectDir), "logs")
}

// Validate checks every field and reports all problems together.
func Validate(cfg Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch cfg.Audit.Backend {
	case BackendSQLite, BackendFile:
	default:
		add("audit.backend must be %q or %q, got %q", BackendSQLite, BackendFile, cfg.Audit.Backend)
	}
	if strings.TrimSpace(cfg.Audit.SegmentFormat) == "" {
		add("audit.segment_format is required")
	} else if strings.ContainsAny(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(cfg.Audit.SegmentFormat), `/\`) {
		add("audit.segment_format must not produce path separators")
	}

	if cfg.Gate.TimeoutSecs < 0 {
		add("gate.timeout_secs must be >= 0")
	}

	switch cfg.Classifier.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderNone:
	default:
		add("classifier.provider must be one of anthropic, openai, none; got %q", cfg.Classifier.Provider)
	}
	if cfg.Classifier.TimeoutSecs <= 0 {
		add("classifier.timeout_secs must be > 0")
	}
	if cfg.Classifier.CacheTTLSecs < 0 {
		add("classifier.cache_ttl_secs must be >= 0")
	}
	if cfg.Classifier.RequestsPerMinute < 0 {
		add("classifier.requests_per_minute must be >= 0")
	}

	for name, list := range map[string][]string{
		"patterns.sensitive_paths": cfg.Patterns.SensitivePaths,
		"patterns.config_paths":    cfg.Patterns.ConfigPaths,
		"patterns.blocked":         cfg.Patterns.Blocked,
	} {
		for _, p := range list {
			if _, err := regexp.Compile(p); err != nil {
				add("%s: invalid regex %q: %v", name, p, err)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(problems, "\n  - "))
}

// ResolveAPIKey returns the classifier API key from the environment, or
// from the configured env file. An empty key with a nil error means none
// is configured.
func ResolveAPIKey(c ClassifierConfig) (string, error) {
	name := c.APIKeyEnv
	if name == "" {
		name = "ANTHROPIC_API_KEY"
	}
	if key := strings.TrimSpace(os.Getenv(name)); key != "" {
		return key, nil
	}
	if c.EnvFile == "" {
		return "", nil
	}
	values, err := godotenv.Read(c.EnvFile)
	if err != nil {
		return "", fmt.Errorf("reading env file %s: %w", c.EnvFile, err)
	}
	return strings.TrimSpace(values[name]), nil
}

// walkLeaves visits every non-struct field of a config struct by dotted
// toml key.
func walkLeaves(v reflect.Value, prefix string, fn func(key string, val reflect.Value)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("toml")
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			walkLeaves(fv, key, fn)
			continue
		}
		fn(key, fv)
	}
}

// lookup returns the field for a dotted key, or false.
func lookup(v reflect.Value, key string) (reflect.Value, bool) {
	if key == "" {
		return reflect.Value{}, false
	}
	for _, part := range strings.Split(key, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		t := v.Type()
		found := false
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).Tag.Get("toml") == part {
				v = v.Field(i)
				found = true
				break
			}
		}
		if !found {
			return reflect.Value{}, false
		}
	}
	return v, true
}

// GetValue returns the value at a dotted key: a leaf or a whole section.
func GetValue(cfg Config, key string) (any, bool) {
	v, ok := lookup(reflect.ValueOf(cfg), key)
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// Keys lists every settable dotted key.
func Keys() []string {
	var keys []string
	walkLeaves(reflect.ValueOf(DefaultConfig()), "", func(key string, _ reflect.Value) {
		keys = append(keys, key)
	})
	return keys
}

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
	kindStringSlice
)

func kindOf(key string) (valueKind, error) {
	v, ok := lookup(reflect.ValueOf(DefaultConfig()), key)
	if !ok {
		return 0, fmt.Errorf("unsupported config key %q", key)
	}
	switch v.Kind() {
	case reflect.String:
		return kindString, nil
	case reflect.Int:
		return kindInt, nil
	case reflect.Bool:
		return kindBool, nil
	case reflect.Slice:
		return kindStringSlice, nil
	default:
		return 0, fmt.Errorf("config key %q is a section, not a value", key)
	}
}

// ParseValue converts a command-line string to the type of key.
func ParseValue(key, raw string) (any, error) {
	kind, err := kindOf(key)
	if err != nil {
		return nil, err
	}
	return parseValueByKind(raw, kind)
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	switch kind {
	case kindString:
		return raw, nil
	case kindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("expected integer: %w", err)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("expected boolean: %w", err)
		}
		return b, nil
	case kindStringSlice:
		out := []string{}
		for _, part := range strings.Split(raw, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %d", kind)
	}
}

// WriteValue sets key in the TOML file at path, creating it if needed.
func WriteValue(path, key string, value any) error {
	if path == "" {
		return errors.New("config path is required")
	}
	if key == "" {
		return errors.New("config key is required")
	}

	doc := map[string]any{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &doc); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	parts := strings.Split(key, ".")
	table := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := table[part]
		if !ok {
			child := map[string]any{}
			table[part] = child
			table = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %q: %q is not a table", key, part)
		}
		table = child
	}
	table[parts[len(parts)-1]] = value

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
