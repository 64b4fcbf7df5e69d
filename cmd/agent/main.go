package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/agent"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/config"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, routesFile, listenAddr string

	flagSet := pflag.NewFlagSet("rvagent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", envOrDefault("RVAGENT_CONFIG", "agent.config"), "path to the agent settings file")
	flagSet.StringVar(&routesFile, "routes", "", "HuJSON file overriding response uris")
	flagSet.StringVar(&listenAddr, "listen", "", "local event feed address, e.g. 127.0.0.1:9003")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Open(configPath)
	if err != nil {
		return err
	}
	cfg.UpdateRuntime(func(r *config.Runtime) {
		if routesFile != "" {
			r.RoutesFile = routesFile
		}
		if listenAddr != "" {
			r.ListenAddr = listenAddr
		}
	})

	runtime := cfg.Config().Runtime
	logger, closer := logging.New(logging.Options{Level: runtime.LogLevel, File: runtime.LogFile})
	defer closer.Close()

	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.Stop()
		return err
	}
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return a.Stop()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
