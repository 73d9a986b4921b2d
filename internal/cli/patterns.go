package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/Dicklesworthstone/gatekeep/internal/output"
	"github.com/spf13/cobra"
)

var (
	flagPatternKind       string
	flagPatternExitCode   bool
	flagPatternFormat     string
	flagPatternOutputFile string
)

// errNotAllowed marks a command whose subject would not run unattended.
var errNotAllowed = errors.New("not allowed without approval")

func init() {
	patternsListCmd.Flags().StringVarP(&flagPatternKind, "kind", "k", "", "pattern kind (command, sensitive, config)")

	patternsTestCmd.Flags().BoolVar(&flagPatternExitCode, "exit-code", false, "exit non-zero if the command would need approval or be refused")
	checkCmd.Flags().BoolVar(&flagPatternExitCode, "exit-code", false, "exit non-zero if the command would need approval or be refused")

	patternsExportCmd.Flags().StringVarP(&flagPatternFormat, "format", "f", "json", "export format: json, yaml")
	patternsExportCmd.Flags().StringVar(&flagPatternOutputFile, "output-file", "", "output file (default: stdout)")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsTestCmd)
	patternsCmd.AddCommand(patternsExportCmd)
	patternsCmd.AddCommand(patternsVersionCmd)

	// gatekeep check "<command>" is an alias for gatekeep patterns test "<command>"
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(checkCmd)
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect the command classification patterns",
	Long: `Inspect the ordered pattern library used by the deterministic classifier.

Command patterns are matched against every segment of a decomposed shell
command; sensitive-path and config-file patterns are matched against path
arguments. The highest level across all hits wins, and an L3 hit stops
evaluation. Configured patterns (patterns.* keys) are appended to the
built-in library and can only make classification stricter.`,
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List patterns in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := buildPatterns(cfg)
		if err != nil {
			return err
		}

		kinds := []core.PatternKind{core.KindCommand, core.KindSensitive, core.KindConfig}
		if flagPatternKind != "" {
			kind, ok := parseKind(flagPatternKind)
			if !ok {
				return fmt.Errorf("invalid kind: %s (must be command, sensitive, or config)", flagPatternKind)
			}
			kinds = []core.PatternKind{kind}
		}

		lists := make(map[core.PatternKind][]*core.Pattern, len(kinds))
		for _, k := range kinds {
			lists[k] = engine.ListPatterns(k)
		}
		return outputPatterns(cmd, kinds, lists)
	},
}

var patternsTestCmd = &cobra.Command{
	Use:   "test <command>",
	Short: "Classify a shell command against the pattern library",
	Long: `Classify a shell command the way the "shell" tool would be classified,
without the LLM fallback.

Use --exit-code to exit non-zero when the command would need approval or be
refused. This is useful for editor and agent hooks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := args[0]
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		patterns, err := buildPatterns(cfg)
		if err != nil {
			return err
		}
		result := patterns.ClassifyCommand(command)

		resp := map[string]any{
			"command":  command,
			"matched":  result.Matched,
			"segments": result.Segments,
		}
		// Without a rule hit the fallback decides; offline that is L2.
		level := core.L2
		if result.Matched {
			level = result.Level
			resp["level"] = result.Level
			resp["reason"] = result.Reason
			resp["hits"] = result.Hits
		} else {
			resp["level"] = nil
		}
		refused := level == core.L3
		needsApproval := !refused && (level == core.L2 || level == core.L1 && cfg.General.L1RequiresApproval)
		resp["needs_approval"] = needsApproval
		resp["refused"] = refused

		out := newWriter(cmd)
		if out.Structured() {
			if err := out.Write(resp); err != nil {
				return err
			}
		} else {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Command:  %s\n", command)
			if result.Matched {
				fmt.Fprintf(w, "Level:    %s\n", result.Level)
				fmt.Fprintf(w, "Reason:   %s\n", result.Reason)
			} else {
				fmt.Fprintf(w, "Level:    (no rule; fallback decides)\n")
			}
			fmt.Fprintf(w, "Approval: %v\n", needsApproval)
			fmt.Fprintf(w, "Refused:  %v\n", refused)
			if len(result.Hits) > 0 {
				fmt.Fprintf(w, "Segments:\n")
				for _, hit := range result.Hits {
					fmt.Fprintf(w, "  - %s (%s, %s)\n", hit.Segment, hit.Level, hit.MatchedPattern)
				}
			}
		}

		if flagPatternExitCode && (needsApproval || refused) {
			return fmt.Errorf("%w: %s", errNotAllowed, level)
		}
		return nil
	},
}

// checkCmd is an alias for "patterns test"
var checkCmd = &cobra.Command{
	Use:   "check <command>",
	Short: "Alias for 'patterns test'",
	Long:  `Alias for 'gatekeep patterns test'. See 'gatekeep patterns test --help' for details.`,
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return patternsTestCmd.RunE(cmd, args) },
}

var patternsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export patterns for external tools",
	Long: `Export every pattern in evaluation order, with the library hash.

Available formats:
  json  - Full JSON export with metadata (default)
  yaml  - YAML format

Examples:
  gatekeep patterns export                          # JSON to stdout
  gatekeep patterns export -f yaml                  # YAML to stdout
  gatekeep patterns export --output-file rules.json # JSON to file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := buildPatterns(cfg)
		if err != nil {
			return err
		}
		export := engine.Export()

		format, err := output.ParseFormat(strings.ToLower(flagPatternFormat))
		if err != nil || format == output.FormatText {
			return fmt.Errorf("unknown format: %s (use json or yaml)", flagPatternFormat)
		}

		dest := cmd.OutOrStdout()
		var file *os.File
		if flagPatternOutputFile != "" {
			file, err = os.Create(flagPatternOutputFile)
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			defer file.Close()
			dest = file
		}

		if err := output.New(format, output.WithOutput(dest)).Write(export); err != nil {
			return fmt.Errorf("failed to export: %w", err)
		}
		if file == nil {
			return nil
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		return newWriter(cmd).Write(map[string]any{
			"status": "exported",
			"format": string(format),
			"file":   flagPatternOutputFile,
			"sha256": export.SHA256,
			"count":  export.Count,
		})
	},
}

var patternsVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show pattern library version and hash",
	Long: `Show the current pattern library version and SHA256 hash.

The hash changes when configured patterns change, so hooks can detect when
their exported copy is stale.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := buildPatterns(cfg)
		if err != nil {
			return err
		}
		export := engine.Export()
		counts := make(map[string]int, len(export.Kinds))
		for kind, list := range export.Kinds {
			counts[kind] = len(list)
		}

		out := newWriter(cmd)
		payload := map[string]any{
			"version":       export.Version,
			"sha256":        export.SHA256,
			"pattern_count": export.Count,
			"kind_counts":   counts,
		}
		if out.Structured() {
			return out.Write(payload)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "patterns %s  sha256:%s  (%d patterns)\n", export.Version, export.SHA256, export.Count)
		return nil
	},
}

func parseKind(s string) (core.PatternKind, bool) {
	switch core.PatternKind(strings.ToLower(s)) {
	case core.KindCommand:
		return core.KindCommand, true
	case core.KindSensitive:
		return core.KindSensitive, true
	case core.KindConfig:
		return core.KindConfig, true
	default:
		return "", false
	}
}

type patternJSON struct {
	Level   string `json:"level"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason,omitempty"`
	Source  string `json:"source,omitempty"`
}

func outputPatterns(cmd *cobra.Command, kinds []core.PatternKind, lists map[core.PatternKind][]*core.Pattern) error {
	out := newWriter(cmd)
	if out.Structured() {
		result := make(map[string][]patternJSON, len(lists))
		for kind, list := range lists {
			plist := make([]patternJSON, 0, len(list))
			for _, p := range list {
				plist = append(plist, patternJSON{
					Level:   p.Level.String(),
					Pattern: p.Pattern,
					Reason:  p.Reason,
					Source:  p.Source,
				})
			}
			result[string(kind)] = plist
		}
		return out.Write(result)
	}

	w := cmd.OutOrStdout()
	for _, kind := range kinds {
		list := lists[kind]
		if len(list) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s (%d patterns):\n", strings.ToUpper(string(kind)), len(list))
		for _, p := range list {
			fmt.Fprintf(w, "  [%s] %s\n", p.Level, p.Pattern)
			if p.Reason != "" {
				fmt.Fprintf(w, "    # %s", p.Reason)
				if p.Source != "" && p.Source != "builtin" {
					fmt.Fprintf(w, " (%s)", p.Source)
				}
				fmt.Fprintln(w)
			}
		}
	}
	fmt.Fprintln(w)
	return nil
}
