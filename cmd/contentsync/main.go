// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// contentsync is the content sync pipeline process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ofurkanuygur/search-case-sub000/config"
	"github.com/ofurkanuygur/search-case-sub000/contentdb"
	"github.com/ofurkanuygur/search-case-sub000/pipeline"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "contentsync",
		Short:        "Content sync pipeline",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the pipeline: scheduler, publisher flush and the operational server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeer(configPath, func(ctx context.Context, log *zap.Logger, peer *pipeline.Peer) error {
				return peer.Run(ctx)
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run a single sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeer(configPath, func(ctx context.Context, log *zap.Logger, peer *pipeline.Peer) error {
				result, err := peer.Sync.Service.RunOnce(ctx)
				if err != nil {
					return err
				}
				log.Info("sync cycle finished",
					zap.String("batch", result.BatchID),
					zap.Int("fetched", result.ItemsFetched),
					zap.Int("created", result.ItemsCreated),
					zap.Int("updated", result.ItemsUpdated),
					zap.Int("unchanged", result.ItemsUnchanged),
					zap.Int("skipped", result.ItemsSkipped),
					zap.Duration("elapsed", result.Elapsed))
				return nil
			})
		},
	})

	var rescoreAll bool
	var rescoreDate string
	rescoreCmd := &cobra.Command{
		Use:   "rescore",
		Short: "Rescore aging content (--all sweeps the whole store)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPeer(configPath, func(ctx context.Context, log *zap.Logger, peer *pipeline.Peer) error {
				if rescoreAll {
					result, err := peer.Freshness.Service.RecalculateAll(ctx)
					if err != nil {
						return err
					}
					log.Info("full rescore finished",
						zap.Int("examined", result.Examined),
						zap.Int("updated", result.Updated))
					return nil
				}

				day := time.Now().UTC()
				if rescoreDate != "" {
					var err error
					day, err = time.Parse("2006-01-02", rescoreDate)
					if err != nil {
						return errs.New("invalid --date %q, want YYYY-MM-DD", rescoreDate)
					}
				}
				result, err := peer.Freshness.Service.UpdateDailyScores(ctx, day)
				if err != nil {
					return err
				}
				log.Info("daily rescore finished",
					zap.Int("examined", result.Examined),
					zap.Int("updated", result.Updated))
				return nil
			})
		},
	}
	rescoreCmd.Flags().BoolVar(&rescoreAll, "all", false, "rescore the entire store")
	rescoreCmd.Flags().StringVar(&rescoreDate, "date", "", "rescore boundaries relative to this day (YYYY-MM-DD)")
	rootCmd.AddCommand(rescoreCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := processContext()
			defer cancel()

			db, err := contentdb.Open(ctx, log.Named("contentdb"), cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.Migrate(ctx); err != nil {
				return err
			}
			log.Info("store schema is up to date")
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func load(configPath string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func processContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withPeer loads the configuration, opens the store, migrates it and hands
// an assembled peer to fn.
func withPeer(configPath string, fn func(ctx context.Context, log *zap.Logger, peer *pipeline.Peer) error) error {
	cfg, log, err := load(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := processContext()
	defer cancel()

	db, err := contentdb.Open(ctx, log.Named("contentdb"), cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	peer, err := pipeline.New(log, db, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = peer.Close() }()

	return fn(ctx, log, peer)
}
