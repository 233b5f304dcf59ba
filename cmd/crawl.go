package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/visibilitylab/sitespider/internal/output"
	"github.com/visibilitylab/sitespider/internal/spider"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "crawl <seed-url>",
		Short: "Crawl one site and write JSONL page records",
		Long: `Crawls the site at the given seed URL. Discovery prefers the site's
sitemap; when none exists the spider falls back to breadth-first link
traversal bounded by the configured depth. Records append to the output
file as they are produced, so an interrupted crawl keeps its pages.`,
		Args: cobra.ExactArgs(1),
		RunE: runCrawlCommand(&outPath),
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output JSONL path (defaults to output.path from config)")
	return cmd
}

func runCrawlCommand(outPath *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadEnvironment()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		path := cfg.Output.Path
		if *outPath != "" {
			path = *outPath
		}
		sink, err := output.OpenFile(path)
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		defer func() {
			if cerr := sink.Close(); cerr != nil {
				logger.Warn("failed to close output", zap.Error(cerr))
			}
		}()

		engine, err := spider.New(cfg.Policy(), sink, logger)
		if err != nil {
			return fmt.Errorf("init spider: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := engine.Run(ctx, args[0])
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run crawl: %w", err)
		}

		logger.Info("crawl summary",
			zap.String("seed", summary.Seed),
			zap.String("mode", summary.Mode),
			zap.Int("discovered", summary.Discovered),
			zap.Int("emitted", summary.Emitted),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
			zap.Duration("elapsed", summary.Elapsed),
		)
		return nil
	}
}
