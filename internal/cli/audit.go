package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/gatekeep/internal/audit"
	"github.com/spf13/cobra"
)

var flagAuditTail int

// errChainBroken is returned by audit verify when any segment fails.
var errChainBroken = errors.New("audit chain verification failed")

func init() {
	auditTailCmd.Flags().IntVarP(&flagAuditTail, "lines", "n", 20, "number of entries")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditSegmentsCmd)

	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the hash-chained audit log",
	Long: `Inspect and verify the audit log.

Entries are grouped into segments (one per day by default). Within a
segment each entry's hash covers its content and the previous entry's hash,
so any edit, insertion or deletion is detected by 'audit verify'.`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [segment]",
	Short: "Verify one segment, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		segments := args
		if len(segments) == 0 {
			if segments, err = s.chain.Segments(ctx); err != nil {
				return err
			}
		}

		results := make([]audit.Verification, 0, len(segments))
		broken := 0
		for _, seg := range segments {
			v, err := s.chain.Verify(ctx, seg)
			if err != nil {
				return fmt.Errorf("verifying %s: %w", seg, err)
			}
			if !v.Valid {
				broken++
			}
			results = append(results, v)
		}

		out := newWriter(cmd)
		if out.Structured() {
			if err := out.Write(results); err != nil {
				return err
			}
		} else {
			w := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(w, "No audit segments.")
			}
			for _, v := range results {
				if v.Valid {
					fmt.Fprintf(w, "✓ %s  %d entries\n", v.Segment, v.Entries)
					continue
				}
				fmt.Fprintf(w, "✗ %s  %d entries, first broken at index %d\n", v.Segment, v.Entries, *v.FirstBroken)
			}
		}

		if broken > 0 {
			return fmt.Errorf("%w: %d of %d segments", errChainBroken, broken, len(results))
		}
		return nil
	},
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [segment]",
	Short: "Show the most recent entries of a segment (default: latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		segment := ""
		if len(args) == 1 {
			segment = args[0]
		} else {
			segments, err := s.chain.Segments(ctx)
			if err != nil {
				return err
			}
			if len(segments) == 0 {
				return newWriter(cmd).Write([]audit.Entry{})
			}
			segment = segments[len(segments)-1]
		}

		entries, err := s.chain.Tail(ctx, segment, flagAuditTail)
		if err != nil {
			return err
		}

		out := newWriter(cmd)
		if out.Structured() {
			if entries == nil {
				entries = []audit.Entry{}
			}
			return out.Write(entries)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "segment %s\n", segment)
		for _, e := range entries {
			approved := " "
			if e.Approved {
				approved = "✓"
			}
			fmt.Fprintf(w, "%s  %s %s  %-17s %-12s %s\n",
				e.Timestamp.Local().Format("15:04:05"),
				approved,
				e.RiskLevel,
				e.Action,
				e.ToolName,
				strings.TrimSpace(e.Result),
			)
			if len(e.ToolArgs) > 0 {
				fmt.Fprintf(w, "           %s\n", entryArgs(e, 120))
			}
		}
		return nil
	},
}

var auditSegmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "List audit segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		segments, err := s.chain.Segments(cmd.Context())
		if err != nil {
			return err
		}
		out := newWriter(cmd)
		if out.Structured() {
			if segments == nil {
				segments = []string{}
			}
			return out.Write(segments)
		}
		for _, seg := range segments {
			fmt.Fprintln(cmd.OutOrStdout(), seg)
		}
		return nil
	},
}

// entryArgs renders stored arguments on one line.
func entryArgs(e audit.Entry, max int) string {
	s := string(e.ToolArgs)
	if max > 0 && len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
