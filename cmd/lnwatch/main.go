package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gabapcia/lnwatch/internal/chainwatch"
	"github.com/gabapcia/lnwatch/internal/handlers/cli"
	"github.com/gabapcia/lnwatch/internal/infra/chain/esplora"
	"github.com/gabapcia/lnwatch/internal/infra/lightning"
	"github.com/gabapcia/lnwatch/internal/infra/storage/redis"
	"github.com/gabapcia/lnwatch/internal/node"
	"github.com/gabapcia/lnwatch/internal/pkg/logger"
	"github.com/gabapcia/lnwatch/internal/pkg/telemetry"
	transporthttp "github.com/gabapcia/lnwatch/internal/pkg/transport/http"
	"github.com/gabapcia/lnwatch/internal/scheduler"
)

func main() {
	ctx := context.Background()

	// Failures before the logger is up go straight to stderr.
	cfg, err := cli.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config loading failed:", err)
		os.Exit(1)
	}

	// Telemetry first: the logger picks up the OTEL bridge at Init time.
	if cfg.OtelEnabled {
		shutdown, err := telemetry.Init(ctx, cfg.ServiceName)
		if err != nil {
			fmt.Fprintln(os.Stderr, "telemetry initialization failed:", err)
			os.Exit(1)
		}
		defer shutdown(ctx)
	}

	if err := logger.Init(logger.WithLevel(cfg.LogLevel)); err != nil {
		fmt.Fprintln(os.Stderr, "logger initialization failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	storage, err := redis.NewClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal(ctx, "redis connection failed", "error", err)
	}
	defer storage.Close()

	httpClient := transporthttp.NewClient()
	chain := esplora.NewClient(cfg.EsploraURL, httpClient)
	daemon := lightning.NewClient(cfg.LightningURL, httpClient)

	watcher := chainwatch.New(chain, storage)
	sched := scheduler.New()
	svc := node.New(watcher, sched, chain, storage, storage, storage, daemon)

	if err := cli.Run(ctx, svc); err != nil {
		logger.Error(ctx, "lnwatch exited with error", "error", err)
		os.Exit(1)
	}
}
