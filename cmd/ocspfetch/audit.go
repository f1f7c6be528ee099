package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/ocsp-response-fetch/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log management",
		Long: `Commands for verifying and reading the audit log written with --audit-log.

Each event is chained to the previous one with a SHA-256 hash.

Examples:
  # Verify audit log integrity
  ocspfetch audit verify --log /var/log/ocspfetch/audit.jsonl

  # Show last 10 events
  ocspfetch audit tail --log /var/log/ocspfetch/audit.jsonl -n 10`,
	}
	cmd.AddCommand(newAuditVerifyCmd(), newAuditTailCmd())
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	var logFile string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify audit log integrity",
		Long: `Verify the hash chain of an audit log file.

The chain starts with hash_prev="sha256:genesis" for the first event. A
modified, deleted or inserted event breaks the chain at its line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(cmd.OutOrStdout(), logFile)
		},
	}
	cmd.Flags().StringVar(&logFile, "log", "", "Path to audit log file (required)")
	_ = cmd.MarkFlagRequired("log")
	return cmd
}

func newAuditTailCmd() *cobra.Command {
	var (
		logFile  string
		num      int
		showJSON bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditTail(cmd.OutOrStdout(), logFile, num, showJSON)
		},
	}
	cmd.Flags().StringVar(&logFile, "log", "", "Path to audit log file (required)")
	_ = cmd.MarkFlagRequired("log")
	cmd.Flags().IntVarP(&num, "num", "n", 10, "Number of events to show")
	cmd.Flags().BoolVar(&showJSON, "json", false, "Output as JSON")
	return cmd
}

func runAuditVerify(out io.Writer, logFile string) error {
	fmt.Fprintf(out, "Verifying audit log: %s\n\n", logFile)

	count, err := audit.VerifyChain(logFile)
	if err != nil {
		fmt.Fprintf(out, "VERIFICATION FAILED\n")
		fmt.Fprintf(out, "  Valid events: %d\n", count)
		fmt.Fprintf(out, "  Error: %s\n", err)
		return fmt.Errorf("audit log verification failed: %w", err)
	}

	fmt.Fprintf(out, "VERIFICATION PASSED\n")
	fmt.Fprintf(out, "  Total events: %d\n", count)
	fmt.Fprintf(out, "  Hash chain: VALID\n")
	return nil
}

func runAuditTail(out io.Writer, logFile string, num int, showJSON bool) error {
	f, err := os.Open(logFile)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(lines) == 0 {
		fmt.Fprintln(out, "Audit log is empty")
		return nil
	}
	if num > 0 && len(lines) > num {
		lines = lines[len(lines)-num:]
	}

	if showJSON {
		fmt.Fprintf(out, "[\n%s\n]\n", strings.Join(lines, ",\n"))
		return nil
	}

	for _, line := range lines {
		var event audit.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			fmt.Fprintf(out, "  [ERROR] %s\n", err)
			continue
		}
		printEvent(out, &event)
	}
	return nil
}

func printEvent(out io.Writer, e *audit.Event) {
	resultIcon := "✓"
	if e.Result == audit.ResultFailure {
		resultIcon = "✗"
	}

	fmt.Fprintf(out, "[%s] %s %s\n", e.Timestamp, resultIcon, e.EventType)
	fmt.Fprintf(out, "    Actor:  %s@%s\n", e.Actor.ID, e.Actor.Host)

	if e.Object.Type != "" {
		fmt.Fprintf(out, "    Object: %s", e.Object.Type)
		if e.Object.Serial != "" {
			fmt.Fprintf(out, " serial=%s", e.Object.Serial)
		}
		if e.Object.Subject != "" {
			fmt.Fprintf(out, " subject=%s", e.Object.Subject)
		}
		fmt.Fprintln(out)
	}

	c := e.Context
	if c.URL != "" || c.Source != "" || c.Status != "" || c.Reason != "" {
		fmt.Fprint(out, "    Context:")
		if c.URL != "" {
			fmt.Fprintf(out, " url=%s", c.URL)
		}
		if c.Source != "" {
			fmt.Fprintf(out, " source=%s", c.Source)
		}
		if c.Status != "" {
			fmt.Fprintf(out, " status=%s", c.Status)
		}
		if c.Reason != "" {
			fmt.Fprintf(out, " reason=%s", c.Reason)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out)
}
