package command

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/galois26/xwiki-consumer/internal/config"
	"github.com/galois26/xwiki-consumer/internal/store"
	"github.com/galois26/xwiki-consumer/internal/stream"
	"github.com/galois26/xwiki-consumer/internal/supervisor"
	"github.com/galois26/xwiki-consumer/internal/telemetry"
)

// refreshTimeout bounds one tracked-set reload.
const refreshTimeout = 10 * time.Second

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume the stream until interrupted (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	sub := &stream.Subscriber{
		URL:           cfg.Stream.URL,
		UserAgent:     cfg.Stream.UserAgent,
		Client:        stream.NewHTTPClient(cfg.Stream.ConnectTimeout),
		MaxEventBytes: cfg.Stream.MaxEventBytes,
	}
	sup := supervisor.New(connectStore(cfg.Database), openStream(sub), supervisor.Options{
		ReconnectDelay:  cfg.ReconnectDelay(),
		RefreshInterval: cfg.TrackedRefresh(),
		RefreshTimeout:  refreshTimeout,
		Logger:          a.log,
		Metrics:         metrics,
	})

	a.log.Info("xwiki-consumer starting",
		"version", Version,
		"stream", cfg.Stream.URL,
		"driver", cfg.Database.Driver,
		"reconnect_delay", cfg.ReconnectDelay(),
		"tracked_refresh", cfg.TrackedRefresh(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sup.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if addr := cfg.Metrics.ListenAddress; addr != "" {
		srv := telemetry.NewServer(addr,
			cfg.Metrics.ReadTimeout, cfg.Metrics.WriteTimeout, cfg.Metrics.IdleTimeout,
			reg, func() string { return sup.State().String() })
		g.Go(func() error {
			a.log.Info("serving /metrics", "addr", addr)
			return srv.Run(gctx)
		})
	}
	err := g.Wait()
	a.log.Info("xwiki-consumer stopped")
	return err
}

// connectStore and openStream adapt the concrete constructors; on error
// they return an untyped nil so the interface compares equal to nil.
func connectStore(cfg config.DatabaseConfig) supervisor.Connector {
	return func(ctx context.Context) (supervisor.Session, error) {
		s, err := store.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func openStream(sub *stream.Subscriber) supervisor.Opener {
	return func(ctx context.Context, cursor string) (supervisor.Subscription, error) {
		s, err := sub.Open(ctx, cursor)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
