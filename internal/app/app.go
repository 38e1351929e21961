package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/gateway/exchanges"
	"funding-arb-bot/internal/history"
	"funding-arb-bot/internal/jobs"
	"funding-arb-bot/internal/logging"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/pricefeed"
	"funding-arb-bot/internal/service"
	"funding-arb-bot/internal/store/sqlite"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App owns every long-lived component and drives the control loops on their
// configured intervals. One App instance corresponds to one process.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	history *history.Writer
	prom    *metrics.Prometheus
	alerts  *alerts.Telegram
	service *service.Service

	opener     *jobs.Opener
	balancer   *jobs.Balancer
	closer     *jobs.Closer
	thresholds *jobs.ThresholdMonitor
	prices     *jobs.PriceMonitor
	transfers  *jobs.TransferManager
	funding    *jobs.FundingRecorder
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	st, err := sqlite.New(cfg.Store.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hist, err := history.New(cfg.History, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}

	var prom *metrics.Prometheus
	mets := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		mets = prom.Metrics
	}

	tg := alerts.NewTelegram(cfg.Telegram, log)
	gateways := exchanges.NewFactory(cfg.Exchanges, log)

	deps := jobs.Deps{
		Store:         st,
		Gateways:      gateways,
		History:       hist,
		Metrics:       mets,
		Alerts:        tg,
		Log:           log,
		MaxRetryCount: cfg.Jobs.MaxRetryCount,
		PriceSymbol:   cfg.PriceFeed.Symbol,
		Now:           func() time.Time { return time.Now().UTC() },
	}

	feed := pricefeed.New(pricefeed.NewBinance(cfg.PriceFeed), pricefeed.NewCoinGecko(cfg.PriceFeed), log)

	a := &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		history: hist,
		prom:    prom,
		alerts:  tg,
		service: service.New(st, hist, cfg.Limits, log),

		opener:     jobs.NewOpener(withJobLogger(deps, "opener")),
		balancer:   jobs.NewBalancer(withJobLogger(deps, "balancer")),
		closer:     jobs.NewCloser(withJobLogger(deps, "closer")),
		thresholds: jobs.NewThresholdMonitor(withJobLogger(deps, "thresholds")),
		prices:     jobs.NewPriceMonitor(withJobLogger(deps, "prices"), feed),
		transfers:  jobs.NewTransferManager(withJobLogger(deps, "transfers")),
		funding:    jobs.NewFundingRecorder(withJobLogger(deps, "funding"), cfg.Jobs.FundingInterval),
	}
	return a, nil
}

func withJobLogger(d jobs.Deps, job string) jobs.Deps {
	d.Log = logging.ForJob(d.Log, job)
	return d
}

// Service exposes the bot management API to command frontends.
func (a *App) Service() *service.Service {
	return a.service
}

// Run starts the history writer, the optional metrics endpoint and all
// control loops, and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if a.history != nil {
		a.history.Start(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.prom != nil && a.cfg.Metrics.ListenAddr != "" {
		g.Go(func() error { return a.serveMetrics(ctx) })
	}

	g.Go(func() error {
		return a.loop(ctx, a.cfg.Jobs.Interval, a.runControlCycle)
	})
	g.Go(func() error {
		return a.loop(ctx, a.cfg.Jobs.PriceInterval, a.prices.Run)
	})
	g.Go(func() error {
		return a.loop(ctx, a.cfg.Jobs.FundingInterval, a.funding.Run)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runControlCycle executes the slow loops in a fixed order so that a status
// written by one loop is picked up by the next within the same tick.
func (a *App) runControlCycle(ctx context.Context) error {
	for _, job := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"closer", a.closer.Run},
		{"transfers", a.transfers.Run},
		{"opener", a.opener.Run},
		{"balancer", a.balancer.Run},
		{"thresholds", a.thresholds.Run},
	} {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := job.run(ctx); err != nil {
			a.log.Error("job cycle failed", zap.String("job", job.name), zap.Error(err))
		}
	}
	return nil
}

func (a *App) loop(ctx context.Context, interval time.Duration, run func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("invalid loop interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := run(ctx); err != nil {
		a.log.Error("job run failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := run(ctx); err != nil {
				a.log.Error("job run failed", zap.Error(err))
			}
		}
	}
}

// RunJob executes a single named control loop once. Used by the -job flag
// for cron-style scheduling and manual operation.
func (a *App) RunJob(ctx context.Context, name string) error {
	if a.history != nil {
		a.history.Start(ctx)
	}
	switch name {
	case "opener":
		return a.opener.Run(ctx)
	case "balancer":
		return a.balancer.Run(ctx)
	case "closer":
		return a.closer.Run(ctx)
	case "thresholds":
		return a.thresholds.Run(ctx)
	case "prices":
		return a.prices.Run(ctx)
	case "transfers":
		return a.transfers.Run(ctx)
	case "funding":
		return a.funding.Run(ctx)
	default:
		return fmt.Errorf("unknown job %q", name)
	}
}

// RunPriceStream subscribes to the exchange websocket and feeds every tick
// through the price monitor, persisting at the regular poll cadence.
func (a *App) RunPriceStream(ctx context.Context) error {
	stream := pricefeed.NewStream(a.cfg.PriceFeed, a.log)
	handler := a.prices.Stream(ctx, a.cfg.Jobs.PriceInterval)
	return stream.Run(ctx, handler)
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.log.Info("metrics endpoint listening", zap.String("addr", a.cfg.Metrics.ListenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases the store and flushes the history writer. Safe to call
// more than once.
func (a *App) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("history close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", zap.Error(err))
		}
	}
}
