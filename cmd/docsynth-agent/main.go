package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/josedab/docsynth-realtime/internal/agent"
	"github.com/josedab/docsynth-realtime/internal/config"
	"github.com/josedab/docsynth-realtime/internal/logging"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML configuration file")
	dataDir := flag.String("data-dir", "", "Directory for persistent state")
	serverAddr := flag.String("addr", "", "Local HTTP server address")
	backendURL := flag.String("backend", "", "DocSynth backend base URL")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *dataDir, *serverAddr, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *backendURL != "" {
		cfg.Backend.BaseURL = *backendURL
	}

	if err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        logging.LogFormat(cfg.Logging.Format),
		IncludeCaller: cfg.Logging.IncludeCaller,
		GlobalFields:  cfg.Logging.GlobalFields,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize agent")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := a.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}

	if runErr != nil {
		log.Fatal().Err(runErr).Msg("Agent exited with error")
	}
}
