package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evidencelog/evidencelog/internal/client"
	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/evidencelog/evidencelog/internal/logging/audit"
	"github.com/evidencelog/evidencelog/internal/reconcile"
	"github.com/evidencelog/evidencelog/internal/storage"
	"github.com/evidencelog/evidencelog/pkg/proto"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	interval time.Duration
	push     bool
	prefetch bool
	check    string
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a live, deduplicated view of the evidence list",
		Long: `Keep a live view of the evidence list. The view is rebuilt from a full read
of the ledger on every refresh, deduplicated by content ID.

Refreshes happen on the poll interval, on SIGHUP, and with --push whenever
the server reports a new commit.

Examples:
  evidencelog watch
  evidencelog watch --push --interval 5m
  evidencelog watch --check QmAbc123  # report whether a deep link resolves
  evidencelog watch --prefetch        # cache content locally for this session`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("push") {
				opts.push = cfg.Client.Push
			}
			if opts.interval <= 0 {
				opts.interval = cfg.PollInterval()
			}
			return runWatch(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "poll interval (default from client.poll_interval)")
	cmd.Flags().BoolVar(&opts.push, "push", false, "refresh on the server change feed")
	cmd.Flags().BoolVar(&opts.prefetch, "prefetch", false, "download content into a session cache")
	cmd.Flags().StringVar(&opts.check, "check", "", "content ID to validate as a deep link on every refresh")
	return cmd
}

func runWatch(ctx context.Context, out io.Writer, cfg *config.Config, opts watchOptions) error {
	c := newClient(cfg)

	manual := reconcile.NewManual()
	triggers := []reconcile.Trigger{reconcile.Ticker{Interval: opts.interval}, manual}
	if opts.push {
		triggers = append(triggers, &client.PushTrigger{Client: c})
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Info().Msg("refresh requested")
				manual.Fire()
			}
		}
	}()

	sessOpts := []reconcile.SessionOption{
		reconcile.WithAudit(audit.NewLogger(log.Logger)),
		reconcile.WithOnUpdate(func(v *reconcile.View) {
			printView(out, v, opts.check)
		}),
	}
	if opts.prefetch {
		cache, err := reconcile.NewBlobCache(cfg.Client.CacheDir,
			storage.NewHTTPFetcher(&http.Client{Timeout: cfg.StorageTimeout()}), nil)
		if err != nil {
			return fmt.Errorf("create session cache: %w", err)
		}
		log.Info().Str("dir", cache.Dir()).Msg("caching content for this session")
		sessOpts = append(sessOpts, reconcile.WithCache(cache))
	}

	sess := reconcile.NewSession(c, reconcile.Merge(triggers...), sessOpts...)
	defer func() { _ = sess.Close() }()

	log.Info().
		Str("server", c.BaseURL()).
		Dur("interval", opts.interval).
		Bool("push", opts.push).
		Msg("watching evidence")

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printView(out io.Writer, v *reconcile.View, link string) {
	records := v.Records()
	list := make([]proto.Evidence, 0, len(records))
	for _, r := range records {
		list = append(list, proto.FromReconciled(r))
	}

	_, _ = fmt.Fprintf(out, "\n%s  %d unique records\n", time.Now().Format(time.RFC3339), len(list))
	if len(list) > 0 {
		printEvidenceTable(out, list)
	}
	if link != "" {
		state := "not found"
		if v.ValidDeepLink(link) {
			state = "valid"
		}
		_, _ = fmt.Fprintf(out, "deep link %s: %s\n", link, state)
	}
}
