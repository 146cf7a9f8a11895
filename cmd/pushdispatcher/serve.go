package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/workshoppush/internal/config"
	"github.com/nao1215/workshoppush/internal/credential"
	"github.com/nao1215/workshoppush/internal/detector"
	"github.com/nao1215/workshoppush/internal/dispatch"
	"github.com/nao1215/workshoppush/internal/metrics"
	"github.com/nao1215/workshoppush/internal/pipeline"
	"github.com/nao1215/workshoppush/internal/provider"
	"github.com/nao1215/workshoppush/internal/resolver"
	"github.com/nao1215/workshoppush/internal/status"
	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/internal/store/redisledger"
	"github.com/nao1215/workshoppush/internal/workshopfeed"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "変更フィードの監視と通知配信を開始する",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.fullConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
}

// serve はパイプライン、認証トークンのローテーター、ステータスAPIを起動し、
// ctxがキャンセルされるまで動かす。
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
		return fmt.Errorf("データディレクトリの作成に失敗: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("ロックの取得に失敗: %w", err)
	}
	if !ok {
		return errors.New("別のpushdispatcherが既に起動しています")
	}
	defer func() { _ = lock.Unlock() }()

	st, err := store.Open(ctx, cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	feed, err := workshopfeed.Open(ctx, cfg.Feed.DBPath, workshopfeed.WithPollInterval(cfg.Feed.PollInterval()))
	if err != nil {
		return err
	}
	defer feed.Close()

	ledger, closeLedger, err := openLedger(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer closeLedger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	signer, err := credential.LoadJWTSigner(cfg.Credential.KeyPath, cfg.Credential.KeyID, cfg.Credential.TeamID, cfg.Credential.Lifetime())
	if err != nil {
		return err
	}
	rotator := credential.NewRotator(signer, credential.Config{
		RefreshMargin: cfg.Credential.RefreshMargin(),
		RetryInterval: cfg.Credential.RetryInterval(),
	}, log, m)
	if err := rotator.Start(ctx); err != nil {
		return err
	}

	p := pipeline.New(pipeline.Config{
		ConsumerName: cfg.Feed.ConsumerName,
		Detector: detector.Config{
			BackoffBase: cfg.Detector.BackoffBase(),
			BackoffMax:  cfg.Detector.BackoffMax(),
		},
		Resolver: resolver.RetryPolicy{
			MaxAttempts: cfg.Resolver.MaxAttempts,
			BackoffBase: cfg.Resolver.BackoffBase(),
		},
		Dispatch: dispatch.Config{
			Workers:        cfg.Dispatch.Workers,
			QueueSize:      cfg.Dispatch.QueueSize,
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			BackoffBase:    cfg.Dispatch.BackoffBase(),
			BackoffMax:     cfg.Dispatch.BackoffMax(),
			JitterFraction: cfg.Dispatch.JitterFraction,
		},
		DrainTimeout: cfg.Pipeline.DrainTimeout(),
	}, pipeline.Deps{
		Feed:        feed,
		Store:       st,
		Ledger:      ledger,
		Sender:      provider.New(cfg.Provider.BaseURL, cfg.Provider.Topic, cfg.Provider.Timeout()),
		Credentials: rotator,
		Logger:      log,
		Metrics:     m,
	})

	srv := status.NewServer(cfg.Server.Port, status.Deps{
		Registry:    st,
		Pipeline:    p,
		Credentials: rotator,
		Gatherer:    reg,
		JWTSecret:   cfg.Server.JWTSecret,
		Logger:      log,
	})

	log.Info("pushdispatcherを起動します",
		slog.String("port", cfg.Server.Port),
		slog.String("ledger", cfg.Ledger.Backend),
		slog.String("consumer", cfg.Feed.ConsumerName),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return rotator.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		return feed.RunRetention(gctx, cfg.Feed.Retention(), cfg.Feed.Retention()/24, log)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("pushdispatcherを停止しました")
	return nil
}

// openLedger は設定に応じて送信済み台帳を開く。
func openLedger(ctx context.Context, cfg *config.Config, st *store.Store) (pipeline.Ledger, func(), error) {
	if cfg.Ledger.Backend != config.LedgerBackendRedis {
		return st, func() {}, nil
	}
	rl, err := redisledger.Dial(ctx, cfg.Ledger.RedisURL, cfg.Ledger.KeyPrefix, cfg.Ledger.TTL())
	if err != nil {
		return nil, nil, err
	}
	return rl, func() { _ = rl.Close() }, nil
}
