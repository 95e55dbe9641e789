package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"heading-ng/internal/config"
)

func main() {
	var configPath, recordPath string
	flag.StringVar(&configPath, "config", "./headingd.yaml", "Path to YAML config")
	flag.StringVar(&recordPath, "record", "", "Record host readings to this session log")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}
	if recordPath != "" {
		cfg.Record.Enable, cfg.Record.Path = true, recordPath
		if err := config.DefaultAndValidate(&cfg); err != nil {
			logrus.WithError(err).Fatal("invalid -record")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Fatal("headingd stopped")
	}
}
