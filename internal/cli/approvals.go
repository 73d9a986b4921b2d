package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Dicklesworthstone/gatekeep/internal/db"
	"github.com/Dicklesworthstone/gatekeep/internal/gate"
	"github.com/Dicklesworthstone/gatekeep/internal/notify"
	"github.com/Dicklesworthstone/gatekeep/internal/tui"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	flagApprovalStatus string
	flagApprovalLimit  int
)

func init() {
	approvalsListCmd.Flags().StringVar(&flagApprovalStatus, "status", "pending", "filter by status: pending, approved, denied, timeout, all")
	approvalsListCmd.Flags().IntVarP(&flagApprovalLimit, "limit", "n", 50, "maximum rows (0 for no limit)")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsShowCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsDenyCmd)
	approvalsCmd.AddCommand(approvalsReviewCmd)

	rootCmd.AddCommand(approvalsCmd)
}

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"approval", "ap"},
	Short:   "List and resolve approval requests",
	Long: `List and resolve approval requests raised by a running 'gatekeep exec'.

approve and deny queue a decision in the shared database. The process that
owns the request applies it, so a decision reaches the waiting action even
when it is made from another terminal.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := gate.Status(strings.ToLower(flagApprovalStatus))
		if status == "all" {
			status = ""
		} else if !status.Valid() {
			return fmt.Errorf("invalid status %q", flagApprovalStatus)
		}

		return withDB(func(database *db.DB) error {
			rows, err := database.ListApprovals(cmd.Context(), status, flagApprovalLimit)
			if err != nil {
				return err
			}

			out := newWriter(cmd)
			if out.Structured() {
				if rows == nil {
					rows = []gate.Approval{}
				}
				return out.Write(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No approvals.")
				return nil
			}
			table := make([][]string, 0, len(rows))
			for _, a := range rows {
				table = append(table, []string{
					shortNonce(a.Nonce),
					string(a.Status),
					a.Classification.Level.String(),
					notify.Sanitize(a.ToolName),
					humanize.Time(a.CreatedAt),
					notify.Summary(a),
				})
			}
			return out.Table([]string{"NONCE", "STATUS", "LEVEL", "TOOL", "CREATED", "SUMMARY"}, table)
		})
	},
}

var approvalsShowCmd = &cobra.Command{
	Use:               "show <nonce>",
	Short:             "Show one approval request",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completePendingNonces,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(database *db.DB) error {
			a, err := findApproval(cmd.Context(), database, args[0], false)
			if err != nil {
				return err
			}
			out := newWriter(cmd)
			if out.Structured() {
				return out.Write(a)
			}
			fmt.Fprint(cmd.OutOrStdout(), notify.RenderApproval(a, 80))
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		})
	},
}

var approvalsReviewCmd = &cobra.Command{
	Use:     "review",
	Aliases: []string{"tui"},
	Short:   "Review pending requests interactively",
	Long: `Open a terminal UI listing pending requests, refreshed every two seconds.

  ↑/↓ or j/k  select
  a or y      approve
  d or n      deny
  r           refresh now
  q           quit

Set GATEKEEP_THEME=latte on light terminals.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(database *db.DB) error {
			return tui.Run(cmd.Context(), database, tui.Options{
				Source: strings.Replace(decisionSource(), "cli:", "tui:", 1),
				Theme:  os.Getenv("GATEKEEP_THEME"),
			})
		})
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:               "approve <nonce>",
	Short:             "Approve a pending request",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completePendingNonces,
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], true)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:               "deny <nonce>",
	Aliases:           []string{"reject"},
	Short:             "Deny a pending request",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completePendingNonces,
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], false)
	},
}

func decide(cmd *cobra.Command, ref string, approved bool) error {
	return withDB(func(database *db.DB) error {
		a, err := findApproval(cmd.Context(), database, ref, true)
		if err != nil {
			return err
		}
		d, err := database.RecordDecision(cmd.Context(), a.Nonce, approved, decisionSource())
		if err != nil {
			return err
		}

		verb := "denied"
		if approved {
			verb = "approved"
		}
		out := newWriter(cmd)
		if out.Structured() {
			return out.Write(map[string]any{
				"status":   "queued",
				"nonce":    a.Nonce,
				"approved": approved,
				"decision": d,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s); the waiting process will apply it.\n",
			verb, shortNonce(a.Nonce), a.ToolName, a.Classification.Level)
		return nil
	})
}

// findApproval resolves a full nonce or a unique prefix of one.
func findApproval(ctx context.Context, database *db.DB, ref string, pendingOnly bool) (gate.Approval, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return gate.Approval{}, fmt.Errorf("nonce is required")
	}
	if a, err := database.GetApproval(ctx, ref); err == nil {
		if pendingOnly && a.Status != gate.StatusPending {
			return gate.Approval{}, fmt.Errorf("approval %s is already %s", shortNonce(a.Nonce), a.Status)
		}
		return a, nil
	}

	status := gate.StatusPending
	if !pendingOnly {
		status = ""
	}
	rows, err := database.ListApprovals(ctx, status, 0)
	if err != nil {
		return gate.Approval{}, err
	}
	var matches []gate.Approval
	for _, a := range rows {
		if strings.HasPrefix(a.Nonce, ref) {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		if pendingOnly {
			return gate.Approval{}, fmt.Errorf("no pending approval matches %q", ref)
		}
		return gate.Approval{}, fmt.Errorf("%w: %q", db.ErrApprovalNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return gate.Approval{}, fmt.Errorf("%q matches %d approvals; use more characters", ref, len(matches))
	}
}

func withDB(fn func(database *db.DB) error) error {
	cfg, project, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.DBPath(project))
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(database)
}

func decisionSource() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return "cli:" + user + "@" + host
}

func shortNonce(nonce string) string {
	if len(nonce) > 8 {
		return nonce[:8]
	}
	return nonce
}

func completePendingNonces(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	database, err := db.OpenWithOptions(GetDB(), db.OpenOptions{ReadOnly: true})
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pending, err := database.ListPendingApprovals(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(pending))
	for _, a := range pending {
		if toComplete != "" && !strings.HasPrefix(a.Nonce, toComplete) {
			continue
		}
		out = append(out, a.Nonce+"\t"+a.Classification.Level.String()+" "+a.ToolName)
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}
