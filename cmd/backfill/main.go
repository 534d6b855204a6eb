package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitegraph/backend/internal/app"
	"github.com/sitegraph/backend/pkg/config"
	appLogger "github.com/sitegraph/backend/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		siteID string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed page text for a site and upsert the vectors into Milvus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), siteID, force)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&siteID, "site", "", "site id to backfill")
	cmd.Flags().BoolVar(&force, "force", false, "re-embed pages whose text is unchanged")
	_ = cmd.MarkFlagRequired("site")

	return cmd
}

func run(ctx context.Context, siteID string, force bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	application, err := app.New(initCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	result, err := application.Backfiller.Backfill(ctx, siteID, force)
	if err != nil {
		appLogger.Error("Backfill failed", zap.String("site_id", siteID), zap.Error(err))
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
