package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog/log"

	intrnl "github.com/saurav-co-de/chart/internal"
	"github.com/saurav-co-de/chart/internal/app"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "geochat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := flag.NewFlagSet("geochat", flag.ExitOnError)
	envFile := flagSet.String("env-file", envOrDefault("GEOCHAT_ENV_FILE", ".env"), "dotenv file loaded before reading the environment")
	addr := flagSet.String("addr", "", "listen address (overrides GEOCHAT_ADDR)")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	_ = flagSet.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(intrnl.Version)
		return nil
	}

	cfg, err := app.LoadServerConfig(*envFile)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	app.InitLogger(cfg.Env, cfg.LogLevel)

	handle, err := app.RunServer(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				log.Info().Msg("graceful shutdown initiated")
				if err := handle.Stop(ctx); err != nil {
					return err
				}
				return handle.Wait()
			},
		},
	)
	exitCode := <-wait
	if exitCode != 0 {
		return fmt.Errorf("shutdown finished with code %d", exitCode)
	}
	log.Info().Msg("geochat stopped cleanly")
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
