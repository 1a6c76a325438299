// Package app assembles the daemon from configuration and runs it until
// the context is canceled: storage, ledger, transport, listener bridge,
// dispatch scheduler, maintenance jobs, and the moderator gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kwrelay/kwrelay/internal/config"
	"github.com/kwrelay/kwrelay/internal/cron"
	"github.com/kwrelay/kwrelay/internal/dispatch"
	"github.com/kwrelay/kwrelay/internal/event"
	"github.com/kwrelay/kwrelay/internal/export"
	"github.com/kwrelay/kwrelay/internal/gateway"
	"github.com/kwrelay/kwrelay/internal/ledger"
	"github.com/kwrelay/kwrelay/internal/listener"
	"github.com/kwrelay/kwrelay/internal/match"
	"github.com/kwrelay/kwrelay/internal/metrics"
	"github.com/kwrelay/kwrelay/internal/store"
	"github.com/kwrelay/kwrelay/internal/telemetry"
	"github.com/kwrelay/kwrelay/internal/transport"
	storesqlite "github.com/kwrelay/kwrelay/modules/store/sqlite"
	"github.com/kwrelay/kwrelay/modules/transport/telegram"
)

// inboundBuffer absorbs listener bursts without stalling the poller.
const inboundBuffer = 128

// Run builds everything from cfg and blocks until ctx is canceled or a
// component fails fatally. The config must already be validated.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) error {
	if logger == nil {
		logger = slog.Default()
	}

	shutdownTraces, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.Insecure, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTraces(context.Background()); err != nil {
			logger.Error("trace shutdown failed", "error", err)
		}
	}()

	st, err := storesqlite.Open(cfg.Storage.Path, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := seedAccounts(ctx, st, cfg.Senders); err != nil {
		return err
	}

	led := ledger.New(cfg.Ledger, st, logger)
	if err := led.Load(ctx); err != nil {
		return err
	}

	tr, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(metrics.NewStatusCollector(st, logger))
	m := metrics.New(reg)

	var hub *gateway.Hub
	if cfg.Gateway.Listen != "" {
		hub = gateway.NewHub()
		gw := gateway.New(gateway.Config{
			Listen:    cfg.Gateway.Listen,
			AuthToken: cfg.Gateway.AuthToken,
		}, st, led, hub, reg, logger)
		if err := gw.Start(); err != nil {
			return err
		}
		defer func() {
			if err := gw.Stop(context.Background()); err != nil {
				logger.Error("gateway shutdown failed", "error", err)
			}
		}()
	}

	lst := listener.New(cfg.Listener, match.New(cfg.Vocabulary), st, logger, m)
	if hub != nil {
		lst.OnRecord = hub.Publish
	}

	sched := dispatch.New(cfg.Dispatch, st, led, tr, logger, m)

	jobs := cron.NewScheduler(logger)
	if err := jobs.RegisterJob(cron.NewReconcileJob(st, 0, logger)); err != nil {
		return err
	}
	if cfg.Export.Dir != "" {
		exporter := export.NewExporter(st, cfg.Export.Dir, logger)
		if err := jobs.RegisterJob(cron.NewExportJob(exporter, cfg.Export.Schedule)); err != nil {
			return err
		}
	}
	if err := jobs.Start(); err != nil {
		return err
	}
	defer func() { _ = jobs.Stop(context.Background()) }()

	logger.Info("kwrelay started",
		"version", version,
		"senders", len(cfg.Senders),
		"groups", len(cfg.Listener.Groups),
		"dry_run", cfg.Transport.DryRun,
	)

	var (
		wg     sync.WaitGroup
		once   sync.Once
		runErr error
	)
	fail := func(err error) {
		if err != nil {
			once.Do(func() { runErr = err })
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		fail(sched.Run(ctx))
	}()

	if cfg.Transport.ListenerToken != "" {
		msgs := make(chan listener.Message, inboundBuffer)
		poller := telegram.NewPoller(cfg.Transport.ListenerToken, cfg.Transport.BaseURL, logger)

		wg.Add(2)
		go func() {
			defer wg.Done()
			fail(poller.Run(ctx, msgs))
		}()
		go func() {
			defer wg.Done()
			fail(lst.Run(ctx, msgs))
		}()
	} else {
		logger.Warn("no listener token configured, inbound feed disabled")
	}

	wg.Wait()
	logger.Info("kwrelay stopped")
	return runErr
}

// seedAccounts inserts configured senders that storage does not know
// yet. Existing accounts keep their persisted cooldown state.
func seedAccounts(ctx context.Context, st store.AccountStore, senders []config.SenderConfig) error {
	for _, s := range senders {
		err := st.PutAccount(ctx, event.SenderAccount{
			ID:         s.ID,
			Credential: s.Token,
			State:      event.AccountActive,
		})
		if errors.Is(err, store.ErrDuplicateAccount) {
			continue
		}
		if err != nil {
			return fmt.Errorf("app: seed account %q: %w", s.ID, err)
		}
	}
	return nil
}

// buildTransport picks dry-run or the live Bot API client set and
// verifies credentials up front.
func buildTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	if cfg.Transport.DryRun {
		return telegram.NewDryRun(logger), nil
	}

	tokens := make(map[string]string, len(cfg.Senders))
	for _, s := range cfg.Senders {
		tokens[s.ID] = s.Token
	}

	tg := telegram.New(cfg.Transport.BaseURL, tokens, logger)
	if err := tg.Verify(ctx); err != nil {
		return nil, err
	}
	return tg, nil
}
