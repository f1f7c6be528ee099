// Command ocspfetch fetches and validates the OCSP response for a
// certificate, and can serve OCSP responses from a status file.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code:
// 0 on success or a non-strict soft failure, 1 on any fatal failure.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %s\n", err)
		return 1
	}
	return 0
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	auditLog   string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	opts := &fetchOptions{global: g}

	root := &cobra.Command{
		Use:   "ocspfetch [flags] SUBJECT",
		Short: "Fetch and validate the OCSP response of a certificate",
		Long: `ocspfetch asks the OCSP responder named in a certificate's Authority
Information Access extension for the certificate's revocation status,
validates the signed answer and writes it as DER.

The issuer certificate is read from --issuer, or downloaded from the
caIssuers URL of the subject certificate when omitted.

Exit codes:
  0  the response was fetched, or a soft failure occurred without --strict
  1  setup error, revoked certificate, or any failure with --strict

Settings are read from --config (YAML), then OCSPFETCH_* environment
variables, then flags.

Examples:
  # Fetch the response and write it to a file
  ocspfetch -i issuer.pem -o response.der server.pem

  # Discover the issuer, print a summary, fail on any error
  ocspfetch -v --strict server.pem > response.der

  # Cache responses in a bolt file until their nextUpdate
  ocspfetch --cache bolt --cache-path /var/cache/ocsp.db server.pem`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts, args[0])
		},
	}

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&g.auditLog, "audit-log", "",
		"Path to audit log file (or set OCSPFETCH_AUDIT_LOG env var)")

	addFetchFlags(root, opts)

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newInspectCmd())
	root.AddCommand(newAuditCmd())

	return root
}
