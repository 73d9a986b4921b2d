package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(DefaultConfig) unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Backend = "postgres"
	cfg.Audit.SegmentFormat = "2006/01/02"
	cfg.Gate.TimeoutSecs = -1
	cfg.Classifier.Provider = "bard"
	cfg.Classifier.TimeoutSecs = 0
	cfg.Classifier.CacheTTLSecs = -1
	cfg.Classifier.RequestsPerMinute = -1
	cfg.Patterns.Blocked = []string{"("}

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "config validation failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"audit.backend", "audit.segment_format", "gate.timeout_secs",
		"classifier.provider", "classifier.timeout_secs", "classifier.cache_ttl_secs",
		"classifier.requests_per_minute", "patterns.blocked",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation error missing %q: %v", want, msg)
		}
	}
}

func TestLoad_Precedence_DefaultsUserProjectEnvFlags(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	project := t.TempDir()

	// User config: 30
	userPath := filepath.Join(home, ".gatekeep", "config.toml")
	if err := WriteValue(userPath, "gate.timeout_secs", 30); err != nil {
		t.Fatalf("WriteValue user: %v", err)
	}

	// Project config: 40
	projectPath := filepath.Join(project, ".gatekeep", "config.toml")
	if err := WriteValue(projectPath, "gate.timeout_secs", 40); err != nil {
		t.Fatalf("WriteValue project: %v", err)
	}

	cfg, err := Load(LoadOptions{ProjectDir: project})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gate.TimeoutSecs != 40 {
		t.Fatalf("timeout_secs=%d want 40 from project file", cfg.Gate.TimeoutSecs)
	}

	// Env: 50
	t.Setenv("GATEKEEP_APPROVAL_TIMEOUT", "50")
	cfg, err = Load(LoadOptions{ProjectDir: project})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gate.TimeoutSecs != 50 {
		t.Fatalf("timeout_secs=%d want 50 from env", cfg.Gate.TimeoutSecs)
	}

	// Flags: 60
	cfg, err = Load(LoadOptions{
		ProjectDir: project,
		FlagOverrides: map[string]any{
			"gate.timeout_secs": 60,
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gate.TimeoutSecs != 60 {
		t.Fatalf("timeout_secs=%d want 60", cfg.Gate.TimeoutSecs)
	}
	// Untouched keys keep their defaults.
	if cfg.Classifier.TimeoutSecs != 20 || !cfg.General.L1RequiresApproval {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoad_ConfigPathOverridesProjectFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	project := t.TempDir()

	if err := WriteValue(filepath.Join(project, ".gatekeep", "config.toml"), "audit.backend", "file"); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	override := filepath.Join(t.TempDir(), "alt.toml")
	if err := WriteValue(override, "classifier.provider", "none"); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	cfg, err := Load(LoadOptions{ProjectDir: project, ConfigPath: override})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audit.Backend != BackendSQLite {
		t.Fatalf("project file should be replaced by the override, backend=%q", cfg.Audit.Backend)
	}
	if cfg.Classifier.Provider != ProviderNone {
		t.Fatalf("provider=%q want none", cfg.Classifier.Provider)
	}
}

func TestLoad_InvalidEnvValueErrors(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GATEKEEP_APPROVAL_TIMEOUT", "not-an-int")
	if _, err := Load(LoadOptions{ProjectDir: t.TempDir()}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoad_InvalidFileFailsValidation(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	project := t.TempDir()
	if err := WriteValue(filepath.Join(project, ".gatekeep", "config.toml"), "audit.backend", "s3"); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	_, err := Load(LoadOptions{ProjectDir: project})
	if err == nil || !strings.Contains(err.Error(), "config validation failed") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoad_ProjectDirEmptyUsesCWD(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	project := t.TempDir()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(cwd)
	})
	if err := os.Chdir(project); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	projectPath := filepath.Join(project, ".gatekeep", "config.toml")
	if err := WriteValue(projectPath, "gate.timeout_secs", 90); err != nil {
		t.Fatalf("WriteValue project: %v", err)
	}

	cfg, err := Load(LoadOptions{ProjectDir: ""})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gate.TimeoutSecs != 90 {
		t.Fatalf("timeout_secs=%d want 90", cfg.Gate.TimeoutSecs)
	}
}

func TestMergeConfigFile(t *testing.T) {
	v := newTestViper()

	// Empty path is a no-op.
	if err := mergeConfigFile(v, ""); err != nil {
		t.Fatalf("mergeConfigFile(empty): %v", err)
	}

	// Missing file is a no-op.
	if err := mergeConfigFile(v, filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("mergeConfigFile(missing): %v", err)
	}

	// Directory path is an error.
	if err := mergeConfigFile(v, t.TempDir()); err == nil {
		t.Fatalf("expected error for directory path")
	}

	// Invalid TOML is an error.
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("general = [\n"), 0644); err != nil {
		t.Fatalf("write invalid toml: %v", err)
	}
	if err := mergeConfigFile(v, path); err == nil {
		t.Fatalf("expected error for invalid toml")
	}
}

func newTestViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	return v
}

func TestConfigPathsAndProjectConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	u, p := ConfigPaths("/proj", "")
	if u != filepath.Join(home, ".gatekeep", "config.toml") {
		t.Fatalf("unexpected user path: %q", u)
	}
	if p != filepath.Join("/proj", ".gatekeep", "config.toml") {
		t.Fatalf("unexpected project path: %q", p)
	}

	if got := projectConfigPath("", ""); got != ".gatekeep/config.toml" {
		t.Fatalf("projectConfigPath(empty)=%q", got)
	}
	if got := projectConfigPath("/proj", "/override.toml"); got != "/override.toml" {
		t.Fatalf("projectConfigPath(override)=%q", got)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.DBPath("/proj"); got != "/proj/.gatekeep/state.db" {
		t.Fatalf("DBPath=%q", got)
	}
	if got := cfg.AuditDir("/proj"); got != "/proj/.gatekeep/audit" {
		t.Fatalf("AuditDir=%q", got)
	}
	cfg.General.DBPath = "/var/lib/gk.db"
	cfg.Audit.Dir = "/var/log/gk"
	if cfg.DBPath("/proj") != "/var/lib/gk.db" || cfg.AuditDir("/proj") != "/var/log/gk" {
		t.Fatalf("explicit paths not honoured")
	}
}

func TestApprovalTimeout(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ApprovalTimeout(); got != 5*time.Minute {
		t.Fatalf("ApprovalTimeout=%s", got)
	}
	cfg.Gate.TimeoutSecs = 0
	if got := cfg.ApprovalTimeout(); got >= 0 {
		t.Fatalf("zero seconds should disable the timer, got %s", got)
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("gate.timeout_secs", "7")
	if err != nil {
		t.Fatalf("ParseValue int: %v", err)
	}
	if v.(int) != 7 {
		t.Fatalf("unexpected value: %#v", v)
	}

	v, err = ParseValue("general.l1_requires_approval", "false")
	if err != nil {
		t.Fatalf("ParseValue bool: %v", err)
	}
	if v.(bool) != false {
		t.Fatalf("unexpected value: %#v", v)
	}

	v, err = ParseValue("patterns.sensitive_paths", `\.vault, , secrets/`)
	if err != nil {
		t.Fatalf("ParseValue slice: %v", err)
	}
	if !reflect.DeepEqual(v, []string{`\.vault`, "secrets/"}) {
		t.Fatalf("unexpected value: %#v", v)
	}

	v, err = ParseValue("classifier.model", "claude-haiku")
	if err != nil || v.(string) != "claude-haiku" {
		t.Fatalf("ParseValue string: %#v %v", v, err)
	}

	if _, err := ParseValue("gate.timeout_secs", "soon"); err == nil {
		t.Fatalf("expected int parse error")
	}
	if _, err := ParseValue("general.nope", "1"); err == nil {
		t.Fatalf("expected error for unsupported key")
	}
	if _, err := ParseValue("general", "1"); err == nil {
		t.Fatalf("expected error for section key")
	}
}

func TestParseValueByKind_Unknown(t *testing.T) {
	if _, err := parseValueByKind("x", valueKind(99)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestGetValue(t *testing.T) {
	cfg := DefaultConfig()

	v, ok := GetValue(cfg, "classifier.requests_per_minute")
	if !ok || v.(int) != 30 {
		t.Fatalf("GetValue leaf = %#v, %v", v, ok)
	}

	v, ok = GetValue(cfg, "gate")
	if !ok {
		t.Fatalf("GetValue section not found")
	}
	if _, isGate := v.(GateConfig); !isGate {
		t.Fatalf("GetValue section type %T", v)
	}

	for _, key := range []string{"", "nope", "gate.nope", "gate.timeout_secs.extra"} {
		if _, ok := GetValue(cfg, key); ok {
			t.Fatalf("GetValue(%q) should miss", key)
		}
	}
}

func TestKeysCoverEveryLeaf(t *testing.T) {
	keys := Keys()
	for _, want := range []string{"general.db_path", "audit.record_read_only", "classifier.env_file", "notifications.terminal_enabled"} {
		found := false
		for _, k := range keys {
			if k == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("Keys() missing %q: %v", want, keys)
		}
	}
	for _, k := range keys {
		if _, err := ParseValue(k, "1"); err != nil && strings.Contains(err.Error(), "unsupported") {
			t.Fatalf("key %q not parseable: %v", k, err)
		}
	}
}

func TestWriteValue(t *testing.T) {
	if err := WriteValue("", "gate.timeout_secs", 2); err == nil {
		t.Fatalf("expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := WriteValue(path, "gate.timeout_secs", 3); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	if err := WriteValue(path, "classifier.provider", "openai"); err != nil {
		t.Fatalf("WriteValue second key: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, "[gate]") || !strings.Contains(s, "timeout_secs = 3") {
		t.Fatalf("unexpected toml: %q", s)
	}
	if !strings.Contains(s, `provider = "openai"`) {
		t.Fatalf("second write lost or first overwritten: %q", s)
	}

	// Error when an intermediate segment is not a table.
	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("gate = \"oops\"\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteValue(bad, "gate.timeout_secs", 2); err == nil {
		t.Fatalf("expected error when gate is not a table")
	}
}

func TestWriteValue_DecodeExistingInvalidTOMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("general = [\n"), 0644); err != nil {
		t.Fatalf("write invalid toml: %v", err)
	}
	if err := WriteValue(path, "gate.timeout_secs", 2); err == nil {
		t.Fatalf("expected decode error")
	} else if !strings.Contains(err.Error(), "decode config") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("GK_TEST_KEY", "")

	key, err := ResolveAPIKey(ClassifierConfig{APIKeyEnv: "GK_TEST_KEY"})
	if err != nil || key != "" {
		t.Fatalf("unset key = %q, %v", key, err)
	}

	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("GK_TEST_KEY=from-file\nOTHER=x\n"), 0600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	key, err = ResolveAPIKey(ClassifierConfig{APIKeyEnv: "GK_TEST_KEY", EnvFile: envFile})
	if err != nil || key != "from-file" {
		t.Fatalf("env file key = %q, %v", key, err)
	}

	t.Setenv("GK_TEST_KEY", "from-env")
	key, err = ResolveAPIKey(ClassifierConfig{APIKeyEnv: "GK_TEST_KEY", EnvFile: envFile})
	if err != nil || key != "from-env" {
		t.Fatalf("environment should win, got %q, %v", key, err)
	}

	t.Setenv("GK_TEST_KEY", "")
	if _, err := ResolveAPIKey(ClassifierConfig{APIKeyEnv: "GK_TEST_KEY", EnvFile: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
