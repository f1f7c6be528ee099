package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/remiblancher/ocsp-response-fetch/internal/audit"
	"github.com/remiblancher/ocsp-response-fetch/internal/logging"
	"github.com/remiblancher/ocsp-response-fetch/internal/responder"
	"github.com/remiblancher/ocsp-response-fetch/internal/x509util"
)

type serveOptions struct {
	global *globalOptions

	caCert        string
	key           string
	responderCert string
	statusFile    string
	addr          string
	validity      time.Duration
	copyNonce     bool
	includeCerts  bool
	tlsCert       string
	tlsKey        string
	watch         bool
}

func newServeCmd(g *globalOptions) *cobra.Command {
	opts := &serveOptions{global: g}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an OCSP responder backed by a status file",
		Long: `Start an HTTP OCSP responder (RFC 6960) answering POST and GET requests
for certificates issued by --ca. Statuses come from a YAML file:

  validity: 1h
  default: unknown
  entries:
    - serial: "12:34:AB"
      status: revoked
      revoked_at: 2025-01-01T00:00:00Z
      reason: keyCompromise

The status file is reloaded when it changes unless --watch=false. The
response validity is fixed at startup.

The responder signs with --key, either as the CA itself or, with
--responder-cert, as a delegated responder holding id-kp-OCSPSigning.

Routes:
  POST /          DER OCSP request
  GET  /{base64}  OCSP request in the URL
  GET  /ca.der    CA certificate (usable as caIssuers URL)
  GET  /health    liveness
  GET  /metrics   Prometheus metrics

Examples:
  ocspfetch serve --ca ca.pem --key ca.key --status status.yaml --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.caCert, "ca", "", "CA certificate (PEM or DER)")
	f.StringVar(&opts.key, "key", "", "Signing key (PEM)")
	f.StringVar(&opts.responderCert, "responder-cert", "", "Delegated responder certificate")
	f.StringVar(&opts.statusFile, "status", "", "YAML status file")
	f.StringVar(&opts.addr, "addr", responder.DefaultServerConfig().Addr, "Listen address")
	f.DurationVar(&opts.validity, "validity", 0, "Response validity (default: status file, then 1h)")
	f.BoolVar(&opts.copyNonce, "copy-nonce", true, "Copy the request nonce into responses")
	f.BoolVar(&opts.includeCerts, "include-certs", false, "Include the responder certificate in responses")
	f.StringVar(&opts.tlsCert, "tls-cert", "", "TLS certificate for HTTPS")
	f.StringVar(&opts.tlsKey, "tls-key", "", "TLS key for HTTPS")
	f.BoolVar(&opts.watch, "watch", true, "Reload the status file when it changes")
	_ = cmd.MarkFlagRequired("ca")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("status")

	return cmd
}

// buildResponder loads the CA, key and status file named by opts.
func buildResponder(opts *serveOptions) (*responder.Responder, error) {
	ca, err := x509util.LoadCertificate(opts.caCert)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	signer, err := x509util.LoadSigner(opts.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	statuses, err := responder.LoadStatusFile(opts.statusFile)
	if err != nil {
		return nil, err
	}

	cfg := responder.Config{
		Signer:       signer,
		CACert:       ca,
		Statuses:     statuses,
		Validity:     opts.validity,
		CopyNonce:    opts.copyNonce,
		IncludeCerts: opts.includeCerts,
	}
	if opts.responderCert != "" {
		cfg.ResponderCert, err = x509util.LoadCertificate(opts.responderCert)
		if err != nil {
			return nil, fmt.Errorf("failed to load responder certificate: %w", err)
		}
	}
	return responder.New(cfg)
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := loadConfig(cmd, opts.global)
	if err != nil {
		return err
	}

	r, err := buildResponder(opts)
	if err != nil {
		return err
	}

	rec, err := openAudit(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer rec.Close()

	log := logging.Logger
	if opts.watch {
		w, err := responder.NewStatusWatcher(opts.statusFile, r.Statuses(), log)
		if err != nil {
			return err
		}
		go w.Run(cmd.Context())
	}

	handler := responder.NewHandler(r, responder.HandlerOptions{
		Logger:   &log,
		Audit:    rec.WithActor(audit.Actor{Type: "service", ID: "ocspfetch-responder"}),
		Registry: prometheus.NewRegistry(),
		Version:  version,
	})

	scfg := responder.DefaultServerConfig()
	scfg.Addr = opts.addr
	scfg.TLSCert = opts.tlsCert
	scfg.TLSKey = opts.tlsKey

	return responder.NewServer(scfg, handler, &log).ListenAndServe(cmd.Context())
}
