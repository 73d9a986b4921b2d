package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/gatekeep/internal/core"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	flagDeterministicOnly bool
	flagArgsJSON          string
)

func init() {
	classifyCmd.Flags().BoolVar(&flagDeterministicOnly, "deterministic-only", false, "skip the LLM fallback and report when no rule applies")
	classifyCmd.Flags().StringVar(&flagArgsJSON, "args", "", "tool arguments as a JSON object (merged under key=value pairs)")

	rootCmd.AddCommand(decomposeCmd)
	rootCmd.AddCommand(classifyCmd)
}

var decomposeCmd = &cobra.Command{
	Use:   "decompose <command>",
	Short: "Split a shell command into the segments that are classified",
	Long: `Split a compound shell command on ; && || | & and newlines, and list the
segments of $(...), backtick and <(...) substitutions. Quoted operators do not
split.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		segments := core.Decompose(args[0])
		out := newWriter(cmd)
		if out.Structured() {
			return out.Write(map[string]any{
				"command":  args[0],
				"segments": segments,
			})
		}
		w := cmd.OutOrStdout()
		for i, s := range segments {
			fmt.Fprintf(w, "%2d  %s\n", i+1, s)
		}
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <tool> [key=value ...]",
	Short: "Classify a tool call without running it",
	Long: `Classify a proposed tool call and print its risk level.

Arguments are key=value pairs; a value that parses as JSON is used as such,
anything else is a string. Secrets in arguments are scrubbed before they
reach the LLM fallback.

Examples:
  gatekeep classify shell command="rm -rf ./build"
  gatekeep classify write_file path=.env
  gatekeep classify http_request --args '{"method":"POST","url":"https://example.com"}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tool := args[0]
		toolArgs, err := parseToolArgs(flagArgsJSON, args[1:])
		if err != nil {
			return err
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		out := newWriter(cmd)
		var engine *core.Engine
		if flagDeterministicOnly {
			patterns, err := buildPatterns(cfg)
			if err != nil {
				return err
			}
			engine = core.NewEngine(core.WithPatternEngine(patterns))
		} else {
			engine, err = buildEngine(cfg, log.Default())
			if err != nil {
				return err
			}
		}

		assessment := engine.Assess(tool, toolArgs)
		var c core.Classification
		verdict := true
		if flagDeterministicOnly {
			c, verdict = engine.ClassifyDeterministic(tool, toolArgs)
		} else {
			c = engine.Classify(cmd.Context(), tool, toolArgs)
		}

		if out.Structured() {
			payload := map[string]any{
				"tool":     tool,
				"findings": assessment.Findings,
			}
			if verdict {
				payload["classification"] = c
			} else {
				payload["classification"] = nil
			}
			return out.Write(payload)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Tool:          %s\n", tool)
		if !verdict {
			fmt.Fprintf(w, "Level:         (no deterministic verdict)\n")
			return nil
		}
		fmt.Fprintf(w, "Level:         %s\n", c.Level)
		fmt.Fprintf(w, "Reason:        %s\n", c.Reason)
		fmt.Fprintf(w, "Deterministic: %v\n", c.Deterministic)
		for _, f := range assessment.Findings {
			fmt.Fprintf(w, "  - [%s] %s %s: %s\n", f.Level, f.Source, f.Subject, f.Reason)
		}
		return nil
	},
}

// parseToolArgs merges a JSON object with key=value pairs; pairs win.
func parseToolArgs(raw string, pairs []string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			args[key] = decoded
		} else {
			args[key] = value
		}
	}
	return args, nil
}
