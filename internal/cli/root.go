// Package cli implements the Cobra command-line interface for gatekeep.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Dicklesworthstone/gatekeep/internal/config"
	"github.com/Dicklesworthstone/gatekeep/internal/output"
	"github.com/Dicklesworthstone/gatekeep/internal/tools"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flag values
var (
	flagConfig  string
	flagOutput  string
	flagJSON    bool
	flagVerbose bool
	flagDB      string
	flagProject string
)

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "Risk classification and human approval for AI agent tool calls",
	Long: `gatekeep sits between an AI agent and the tools it can call.

Every proposed tool call is classified into a risk level:
  L3  - Refused outright (credential access, privilege escalation, remote code)
  L2  - Requires explicit human approval (side effects, irreversible changes)
  L1  - Low-impact workspace changes (gated by default, or run then notify)
  L0  - Read-only, runs immediately

Every decision is recorded in a tamper-evident, hash-chained audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagVerbose {
			log.SetLevel(log.DebugLevel)
		}
		if _, err := output.ParseFormat(GetOutput()); err != nil {
			return err
		}
		output.SetJSONMode(GetOutput() == string(output.FormatJSON))
		if flagProject == "" {
			return nil
		}
		abs, err := filepath.Abs(flagProject)
		if err != nil {
			return fmt.Errorf("resolving project %s: %w", flagProject, err)
		}
		flagProject = abs
		if err := os.Chdir(flagProject); err != nil {
			return fmt.Errorf("changing directory to %s: %w", flagProject, err)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// When no subcommand given, show quick reference card
		showQuickReference(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectPath()
		if err != nil {
			return err
		}
		userPath, projectCfg := config.ConfigPaths(project, flagConfig)

		payload := map[string]any{
			"version":             version,
			"commit":              commit,
			"build_date":          date,
			"go_version":          runtime.Version(),
			"user_config_path":    userPath,
			"project_config_path": projectCfg,
			"db_path":             GetDB(),
			"project_path":        project,
		}

		out := newWriter(cmd)
		if out.Structured() {
			return out.Write(payload)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "gatekeep %s\n", version)
		fmt.Fprintf(w, "  commit:  %s\n", commit)
		fmt.Fprintf(w, "  built:   %s\n", date)
		fmt.Fprintf(w, "  go:      %s\n", runtime.Version())
		fmt.Fprintf(w, "  config:  %s\n", projectCfg)
		fmt.Fprintf(w, "  db:      %s\n", GetDB())
		fmt.Fprintf(w, "  project: %s\n", project)
		return nil
	},
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to a process exit status. A shell command
// that ran and failed keeps its own status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *tools.ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		return exitErr.Code
	}
	if errors.Is(err, errNotAllowed) {
		return 2
	}
	return 1
}

// GetOutput returns the configured output format.
// Precedence: CLI flags > GATEKEEP_OUTPUT_FORMAT env > default
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput != "" && flagOutput != "text" {
		return flagOutput
	}
	if envFormat := os.Getenv("GATEKEEP_OUTPUT_FORMAT"); envFormat != "" {
		switch envFormat {
		case "json", "yaml", "text":
			return envFormat
		}
	}
	return "text"
}

// GetDB returns the database path: --db, then GATEKEEP_DB_PATH, then the
// project default.
func GetDB() string {
	if flagDB != "" {
		return flagDB
	}
	if p := os.Getenv("GATEKEEP_DB_PATH"); p != "" {
		return p
	}
	project, err := projectPath()
	if err == nil && project != "" {
		return filepath.Join(config.StateDir(project), "state.db")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, config.StateDirName, "state.db")
}

func projectPath() (string, error) {
	if flagProject != "" {
		return flagProject, nil
	}
	return os.Getwd()
}

func newWriter(cmd *cobra.Command) *output.Writer {
	return output.New(output.Format(GetOutput()),
		output.WithOutput(cmd.OutOrStdout()),
		output.WithErrorOutput(cmd.ErrOrStderr()),
	)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "project config file path (replaces .gatekeep/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text, json, yaml (env: GATEKEEP_OUTPUT_FORMAT)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output=json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory")

	rootCmd.AddCommand(versionCmd)
}
