package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"webharvest/internal/api"
	"webharvest/internal/config"
	"webharvest/internal/crawler"
	"webharvest/internal/frontier"
	"webharvest/internal/sink"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "webharvest",
		Short:         "Polite, persistent web crawler producing a deduplicated dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "path to configuration file")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "webharvest: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := crawler.BuildLogger(cfg.Logging)
	if err != nil {
		return err
	}

	store, err := frontier.Open(cfg.Frontier.Path)
	if err != nil {
		return fmt.Errorf("open frontier: %w", err)
	}
	defer store.Close()

	dataset, err := sink.NewDatasetWriter(cfg.Output.Dir, cfg.Output.Format, cfg.Output.BatchSize)
	if err != nil {
		return fmt.Errorf("open dataset output: %w", err)
	}

	var archive *sink.Archive
	if cfg.Archive.Enabled() {
		archive, err = sink.NewArchive(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
	}

	var metrics *sink.ClickHouseSink
	if cfg.Metrics.Enabled() {
		metrics = sink.NewClickHouseSink(sink.ClickHouseOptions{
			Endpoint:       cfg.Metrics.Endpoint,
			Database:       cfg.Metrics.Database,
			MetricsTable:   cfg.Metrics.MetricsTable,
			LinkGraphTable: cfg.Metrics.LinkGraphTable,
			User:           cfg.Metrics.User,
			Password:       cfg.Metrics.Password,
			Timeout:        cfg.Metrics.Timeout.Duration,
		}, logger)
	}

	sinks := []sink.Sink{dataset}
	if metrics != nil {
		sinks = append(sinks, metrics)
	}
	if archive != nil {
		sinks = append(sinks, archive)
	}
	out := sink.NewMulti(sinks...)
	defer func() {
		if err := out.Close(); err != nil {
			logger.Error("closing sinks failed", "error", err)
		}
	}()

	engine := crawler.NewEngine(*cfg, store, out, logger)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	group, groupCtx := errgroup.WithContext(runCtx)

	if cfg.API.Enabled {
		server := api.NewServer(engine, logger)
		group.Go(func() error {
			return server.Run(groupCtx, cfg.API.BindAddress, cfg.API.Port)
		})
	}
	if cfg.Stats.Periodic {
		group.Go(func() error {
			engine.ReportStats(groupCtx)
			return nil
		})
	}

	// With the admission endpoint enabled, configured seeds are ignored
	// and URLs arrive dynamically.
	seeds := cfg.URLs
	if cfg.API.Enabled {
		seeds = nil
	}

	group.Go(func() error {
		// Once the crawl finishes, wind down the admission endpoint and
		// the stats reporter.
		defer stop()
		_, err := engine.Run(groupCtx, seeds)
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
