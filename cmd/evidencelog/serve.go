package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/evidencelog/evidencelog/internal/aggregator"
	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/evidencelog/evidencelog/internal/contentid"
	"github.com/evidencelog/evidencelog/internal/ledger"
	"github.com/evidencelog/evidencelog/internal/logging/audit"
	"github.com/evidencelog/evidencelog/internal/metrics"
	"github.com/evidencelog/evidencelog/internal/pipeline"
	"github.com/evidencelog/evidencelog/internal/server"
	"github.com/evidencelog/evidencelog/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the evidence server",
		Long: `Run the HTTP server that accepts evidence uploads, commits them to the
ledger and serves the reconciled evidence list.

Examples:
  # Local storage and embedded ledger under ~/.evidencelog
  evidencelog serve

  # Custom config on another port
  evidencelog serve -c /etc/evidencelog/config.yaml --listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	var m *metrics.Metrics
	if cfg.Metrics.IsEnabled() {
		m = metrics.Init(Version)
	}
	auditLog := audit.NewLogger(log.Logger)

	uploader, err := storage.New(cfg)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	validator, err := contentid.New(cfg.Validator)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	backend, closer, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	gw := ledger.NewGateway(backend,
		ledger.WithIndexBase(cfg.Ledger.IndexBase),
		ledger.WithReadConcurrency(cfg.Ledger.ReadConcurrency),
		ledger.WithMaxRecords(cfg.Ledger.MaxRecords))
	resolver := storage.NewResolver(cfg.Storage.GatewayURL, cfg.Storage.GatewayToken)
	hub := server.NewHub(gw, m)

	p := pipeline.New(uploader, validator, gw,
		pipeline.WithConfirmTimeout(cfg.ConfirmTimeout()),
		pipeline.WithRejectDuplicates(cfg.Ledger.RejectDuplicates),
		pipeline.WithResolver(resolver),
		pipeline.WithNotifier(hub),
		pipeline.WithMetrics(m),
		pipeline.WithAuditLogger(auditLog))

	svc := server.Services{
		Pipeline:   p,
		Aggregator: aggregator.New(gw, resolver, m, auditLog),
		Ledger:     gw,
		Hub:        hub,
	}
	if opener, ok := uploader.(storage.Opener); ok {
		svc.Opener = opener
	}

	srv := server.New(cfg, svc, m, auditLog)
	srv.SetVersion(Version)

	if m != nil {
		go metrics.NewCollector(m, gw).Run(ctx, 30*time.Second)
	}

	log.Info().
		Str("version", Version).
		Str("storage", cfg.Storage.Backend).
		Str("ledger", cfg.Ledger.Backend).
		Uint64("index_base", cfg.Ledger.IndexBase).
		Bool("reject_duplicates", cfg.Ledger.RejectDuplicates).
		Msg("evidence server configured")

	return srv.ListenAndServe(ctx)
}

// openBackend opens the ledger backend selected by cfg. The returned closer
// releases it.
func openBackend(cfg *config.Config) (ledger.Backend, io.Closer, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBolt:
		b, err := ledger.OpenBolt(cfg.Ledger.Bolt.Path,
			ledger.WithBoltIndexBase(cfg.Ledger.IndexBase),
			ledger.WithSubmitter(submitter(cfg)))
		if err != nil {
			return nil, nil, fmt.Errorf("open ledger: %w", err)
		}
		return b, b, nil
	case config.LedgerTendermint:
		t, err := ledger.NewTendermintBackend(cfg.Ledger.Tendermint, cfg.TendermintPollInterval())
		if err != nil {
			return nil, nil, fmt.Errorf("connect ledger: %w", err)
		}
		return t, closerFunc(func() error { return nil }), nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func submitter(cfg *config.Config) string {
	if cfg.Ledger.Submitter != "" {
		return cfg.Ledger.Submitter
	}
	host, err := os.Hostname()
	if err != nil {
		return "evidencelog"
	}
	return host
}
