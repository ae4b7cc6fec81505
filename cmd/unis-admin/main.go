package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xarlytos/unisunis-sub000/pkg/cli"
	"github.com/xarlytos/unisunis-sub000/pkg/config"
	"github.com/xarlytos/unisunis-sub000/pkg/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("UNIS_CONFIG_FILE"), "YAML configuration file")
	logLevel := flag.String("log-level", "warn", "Log level for command output (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: unis-admin [-config file] [-log-level level] <command> [args]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := setupLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCommand(&cli.Runtime{
		Out:    os.Stdout,
		Logger: logger,
		Open: func(ctx context.Context) (*cli.App, error) {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return nil, err
			}
			return cli.NewApp(ctx, cfg, observability.NewLogger(cfg.Observability.Level(), os.Stderr))
		},
	})

	err := rootCmd.Execute(ctx, flag.Args())
	if err != nil && !errors.Is(err, cli.ErrDenied) {
		logger.Errorf("%v", err)
	}
	stop()
	os.Exit(cli.ExitCode(err))
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
