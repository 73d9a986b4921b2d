package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/bridge"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/guard"
	"github.com/Dicklesworthstone/gatekeep/internal/notify"
	"github.com/Dicklesworthstone/gatekeep/internal/tools"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// ShellTool is the tool name shell commands are classified and audited under.
const ShellTool = "shell"

var (
	flagExecApprovalTimeout time.Duration
	flagExecRunTimeout      time.Duration
	flagExecConversation    string
)

func init() {
	execCmd.Flags().DurationVar(&flagExecApprovalTimeout, "approval-timeout", 0, "how long to wait for approval (default: gate.timeout_secs)")
	execCmd.Flags().DurationVar(&flagExecRunTimeout, "run-timeout", tools.DefaultTimeout, "how long the command may run once approved")
	execCmd.Flags().StringVar(&flagExecConversation, "conversation", "", "conversation id to correlate the approval with (default: random)")

	rootCmd.AddCommand(execCmd)
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command>",
	Short: "Classify a shell command, gate it behind approval, and run it",
	Long: `Run a shell command through the full gate.

  L0        runs immediately
  L1        waits for approval (or runs and notifies with
            general.l1_requires_approval=false)
  L2        waits for approval
  L3        is refused

While waiting, answer the prompt in this terminal or resolve the request from
anywhere with 'gatekeep approvals approve|deny <nonce>'. Every decision and
execution is appended to the audit chain.

Exit status is the command's own on failure, 2 when it was not allowed to
run, and 1 for other errors.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExec(cmd, strings.Join(args, " "))
	},
}

func runExec(cmd *cobra.Command, command string) error {
	s, err := openStack()
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := buildEngine(s.cfg, s.logger)
	if err != nil {
		return err
	}

	g := gate.New(
		gate.WithStore(s.db),
		gate.WithLogger(s.logger.WithPrefix("gate")),
		gate.WithDefaultTimeout(s.cfg.ApprovalTimeout()),
		gate.WithL1Approval(s.cfg.General.L1RequiresApproval),
	)
	defer g.Close()

	out := newWriter(cmd)
	// Structured output owns stdout; the command's own output goes to stderr.
	var stream io.Writer = cmd.OutOrStdout()
	if out.Structured() {
		stream = cmd.ErrOrStderr()
	}

	sinks := notify.FanOut{}
	if s.cfg.Notifications.TerminalEnabled {
		sinks = append(sinks, notify.NewTerminal(g, notify.WithOutput(cmd.ErrOrStderr())))
	}
	if s.cfg.Notifications.DesktopEnabled {
		sinks = append(sinks, notify.NewDesktop(nil, s.logger.WithPrefix("notify")))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, notify.Log{Logger: s.logger.WithPrefix("notify")})
	}

	shell := &tools.Shell{
		Dir:     s.project,
		LogDir:  s.cfg.LogDir(s.project),
		Stream:  stream,
		Timeout: flagExecRunTimeout,
		Logger:  s.logger.WithPrefix("tools"),
	}

	gd := guard.New(engine, g, s.chain, shell,
		guard.WithPresenter(sinks),
		guard.WithNotifier(sinks),
		guard.WithLogger(s.logger.WithPrefix("guard")),
		guard.WithReadOnlyAudit(s.cfg.Audit.RecordReadOnly),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Other exec processes share the database; only rows older than the
	// approval timeout are certainly orphaned.
	if timeout := s.cfg.ApprovalTimeout(); s.cfg.Gate.RecoverOnStart && timeout > 0 {
		if n, err := g.RecoverOlderThan(ctx, timeout); err != nil {
			s.logger.Warn("recovering stale approvals", "error", err)
		} else if n > 0 {
			s.logger.Info("timed out approvals left by a previous process", "count", n)
		}
	}

	b := bridge.New(s.db, g, bridge.Config{
		DBPath: s.db.Path(),
		Logger: s.logger.WithPrefix("bridge"),
	})
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		_ = b.Run(ctx)
	}()
	defer func() {
		cancel()
		<-bridgeDone
	}()

	conversation := flagExecConversation
	if conversation == "" {
		conversation = uuid.NewString()
	}

	outcome, invokeErr := gd.Invoke(ctx, guard.Call{
		ToolName:       ShellTool,
		Args:           map[string]any{"command": command},
		ConversationID: conversation,
		Timeout:        flagExecApprovalTimeout,
	})

	if out.Structured() {
		if err := out.Write(outcome); err != nil {
			return err
		}
	} else if !outcome.Executed {
		fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s %s: %s\n",
			outcome.Classification.Level, outcome.Verdict, outcome.Classification.Reason)
	}

	if invokeErr != nil {
		return invokeErr
	}
	if !outcome.Allowed() {
		return fmt.Errorf("%w: %s", errNotAllowed, outcome.Verdict)
	}
	return nil
}
