package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"funding-arb-bot/internal/app"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/logging"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config file")
	jobName := flag.String("job", "", "run a single control loop once and exit (opener, balancer, closer, thresholds, prices, transfers, funding)")
	stream := flag.Bool("stream", false, "follow the websocket price stream instead of running the schedulers")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *jobName != "":
		err = a.RunJob(ctx, *jobName)
		a.Close()
	case *stream:
		err = a.RunPriceStream(ctx)
		a.Close()
	default:
		err = a.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("bot exited", zap.Error(err))
	}
	logger.Info("bot stopped")
}
