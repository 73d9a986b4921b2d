package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/audit"
	"github.com/Dicklesworthstone/gatekeep/internal/config"
	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/db"
	"github.com/Dicklesworthstone/gatekeep/internal/llm"
	"github.com/charmbracelet/log"
)

// loadConfig resolves configuration for the current project, applying
// global flags as overrides.
func loadConfig() (config.Config, string, error) {
	project, err := projectPath()
	if err != nil {
		return config.Config{}, "", err
	}
	overrides := map[string]any{}
	if flagDB != "" {
		overrides["general.db_path"] = flagDB
	}
	cfg, err := config.Load(config.LoadOptions{
		ProjectDir:    project,
		ConfigPath:    flagConfig,
		FlagOverrides: overrides,
	})
	if err != nil {
		return config.Config{}, "", err
	}
	return cfg, project, nil
}

// stack is the set of long-lived components a command works with.
type stack struct {
	cfg     config.Config
	project string
	db      *db.DB
	chain   *audit.Chain
	store   audit.Store
	logger  *log.Logger
}

// openStack opens the database and the configured audit backend.
func openStack() (*stack, error) {
	cfg, project, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(cfg.DBPath(project))
	if err != nil {
		return nil, err
	}

	s := &stack{
		cfg:     cfg,
		project: project,
		db:      database,
		logger:  log.Default(),
	}

	switch cfg.Audit.Backend {
	case config.BackendFile:
		fs, err := audit.NewFileStore(cfg.AuditDir(project))
		if err != nil {
			_ = database.Close()
			return nil, err
		}
		s.store = fs
	default:
		s.store = database
	}
	s.chain = audit.NewChain(s.store,
		audit.WithSegmentFormat(cfg.Audit.SegmentFormat),
		audit.WithUserID(cfg.General.UserID),
		audit.WithLogger(s.logger.WithPrefix("audit")),
	)
	return s, nil
}

func (s *stack) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// buildPatterns returns the built-in library extended with configured rules.
func buildPatterns(cfg config.Config) (*core.PatternEngine, error) {
	engine := core.NewPatternEngine()
	add := func(kind core.PatternKind, level core.RiskLevel, reason string, patterns []string) error {
		for _, p := range patterns {
			if err := engine.AddPattern(kind, level, p, reason, "config"); err != nil {
				return fmt.Errorf("pattern %q: %w", p, err)
			}
		}
		return nil
	}
	if err := add(core.KindSensitive, core.L3, "sensitive path", cfg.Patterns.SensitivePaths); err != nil {
		return nil, err
	}
	if err := add(core.KindConfig, core.L2, "configuration file", cfg.Patterns.ConfigPaths); err != nil {
		return nil, err
	}
	if err := add(core.KindCommand, core.L3, "blocked by configuration", cfg.Patterns.Blocked); err != nil {
		return nil, err
	}
	return engine, nil
}

// buildEngine assembles the classifier. A missing API key leaves the engine
// without a fallback, so undecided calls fail safe to L2.
func buildEngine(cfg config.Config, logger *log.Logger) (*core.Engine, error) {
	patterns, err := buildPatterns(cfg)
	if err != nil {
		return nil, err
	}
	opts := []core.EngineOption{
		core.WithPatternEngine(patterns),
		core.WithLogger(logger.WithPrefix("classifier")),
	}

	completer, err := buildCompleter(cfg, logger)
	switch {
	case errors.Is(err, llm.ErrDisabled):
	case err != nil:
		logger.Warn("fallback classifier unavailable; undecided calls require approval", "error", err)
	default:
		opts = append(opts, core.WithFallback(core.NewFallbackClassifier(completer,
			core.WithCallTimeout(time.Duration(cfg.Classifier.TimeoutSecs)*time.Second),
			core.WithVerdictCache(time.Duration(cfg.Classifier.CacheTTLSecs)*time.Second),
			core.WithFallbackLogger(logger.WithPrefix("classifier")),
		)))
	}
	return core.NewEngine(opts...), nil
}

func buildCompleter(cfg config.Config, logger *log.Logger) (*llm.Client, error) {
	if cfg.Classifier.Provider == config.ProviderNone {
		return nil, llm.ErrDisabled
	}
	key, err := config.ResolveAPIKey(cfg.Classifier)
	if err != nil {
		return nil, err
	}
	return llm.New(llm.Config{
		Provider:          llm.Provider(cfg.Classifier.Provider),
		Model:             cfg.Classifier.Model,
		Endpoint:          cfg.Classifier.Endpoint,
		APIKey:            key,
		Timeout:           time.Duration(cfg.Classifier.TimeoutSecs) * time.Second,
		RequestsPerMinute: cfg.Classifier.RequestsPerMinute,
		Logger:            logger.WithPrefix("llm"),
	})
}
