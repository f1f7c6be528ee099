package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/remiblancher/ocsp-response-fetch/internal/audit"
	"github.com/remiblancher/ocsp-response-fetch/internal/cache"
	"github.com/remiblancher/ocsp-response-fetch/internal/config"
	"github.com/remiblancher/ocsp-response-fetch/internal/fetcher"
	"github.com/remiblancher/ocsp-response-fetch/internal/logging"
	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
	"github.com/remiblancher/ocsp-response-fetch/internal/x509util"
)

// errRevoked is reported for a revoked subject regardless of --strict.
var errRevoked = errors.New("end entity certificate is revoked")

type fetchOptions struct {
	global *globalOptions

	issuer  string
	output  string
	verbose bool
}

func addFetchFlags(cmd *cobra.Command, opts *fetchOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.issuer, "issuer", "i", "", "Issuer certificate path (default: fetched from caIssuers)")
	f.StringVarP(&opts.output, "output", "o", "", "Output file path (default: DER to stdout)")
	f.BoolP("strict", "s", false, "Treat any failure as fatal")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Print a summary of the response to stderr")

	f.Duration("timeout", config.Default().Timeout, "Network timeout per round trip")
	f.String("hash", config.Default().HashAlgorithm, "CertID hash algorithm (sha1, sha256, sha384, sha512)")
	f.Int("nonce-length", config.Default().NonceLength, "Request nonce length in bytes (16-32)")
	f.String("nonce-policy", config.Default().NoncePolicy, "Response nonce policy (optional, required)")
	f.Duration("clock-skew", config.Default().ClockSkew, "Tolerated clock skew on response times")
	f.StringSlice("trust-anchor", nil, "Trust anchor PEM file (repeatable)")
	f.Bool("system-roots", false, "Add the system trust store to the trust anchors")
	f.String("cache", cache.BackendNone, fmt.Sprintf("Cache backend %v", cache.Backends))
	f.String("cache-path", "", "Cache file or directory (file, bolt)")
	f.String("cache-addr", "", "Cache server address (redis)")
	f.String("cache-dsn", "", "Cache database DSN (postgres)")
}

// loadConfig merges file, environment and flags. The audit-log flag is
// persistent and lives on the root command.
func loadConfig(cmd *cobra.Command, g *globalOptions) (*config.Config, error) {
	flags := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	flags.AddFlagSet(cmd.Flags())
	flags.AddFlagSet(cmd.InheritedFlags())

	v, err := config.NewViper(g.configPath, flags)
	if err != nil {
		return nil, err
	}
	return config.FromViper(v)
}

func runFetch(cmd *cobra.Command, opts *fetchOptions, subjectPath string) error {
	ctx := cmd.Context()
	stderr := cmd.ErrOrStderr()

	cfg, err := loadConfig(cmd, opts.global)
	if err != nil {
		return err
	}

	log := logging.Configure(zerolog.ConsoleWriter{
		Out:        stderr,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}, opts.verbose)

	subject, issuer, err := readCerts(subjectPath, opts.issuer)
	if err != nil {
		return err
	}
	if err := checkWritable(opts.output); err != nil {
		return err
	}

	fcfg, err := cfg.FetcherConfig()
	if err != nil {
		return err
	}
	fcfg.Logger = &log

	rec, err := openAudit(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer rec.Close()
	fcfg.Audit = rec

	store, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	if store != nil {
		defer store.Close()
		fcfg.ReadCache, fcfg.WriteCache = cache.Hooks(store, cache.Key(subject), cache.Options{})
	}

	f, err := fetcher.New(subject, issuer, fcfg)
	if err != nil {
		return err
	}

	resp, err := f.Run(ctx)
	if err != nil {
		return softFail(stderr, err, cfg.Strict)
	}

	if opts.verbose {
		fmt.Fprint(stderr, resp.Text())
	}
	return writeResponse(cmd.OutOrStdout(), opts.output, resp)
}

// softFail decides the exit status of a failed run. Revocation and setup
// errors are always fatal; everything else only with strict.
func softFail(stderr io.Writer, err error, strict bool) error {
	switch {
	case ocsp.IsRevoked(err):
		return fmt.Errorf("%w: %v", errRevoked, err)
	case fetcher.IsSetup(err), strict:
		return err
	}
	fmt.Fprintf(stderr, "warning: %s\n", err)
	return nil
}

func readCerts(subjectPath, issuerPath string) (*x509.Certificate, *x509.Certificate, error) {
	subject, err := x509util.LoadCertificate(subjectPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load subject certificate: %w", err)
	}
	if issuerPath == "" {
		return subject, nil, nil
	}
	issuer, err := x509util.LoadCertificate(issuerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load issuer certificate: %w", err)
	}
	return subject, issuer, nil
}

// checkWritable fails early when the output file cannot be created.
func checkWritable(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("file %s is not writable: %w", path, err)
	}
	return f.Close()
}

func writeResponse(stdout io.Writer, path string, resp *ocsp.Response) error {
	if path == "" {
		_, err := stdout.Write(resp.Raw)
		return err
	}
	if err := os.WriteFile(path, resp.Raw, 0644); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func openAudit(path string) (*audit.Recorder, error) {
	w, err := audit.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}
	return audit.NewRecorder(w), nil
}
