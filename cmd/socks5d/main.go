// Command socks5d runs the SOCKS5 proxy server. It loads a flat JSON
// configuration file (writing a default one on first run), starts the
// SOCKS5 listener and optional UDP ASSOCIATE relay, and shuts down
// cleanly on SIGINT/SIGTERM, grounded on the teacher's cmd/proxy/main.go
// banner/config-load flow and sting8k-go-simple-socks5's signal-based
// graceful shutdown pattern.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"socks5d/internal/config"
	"socks5d/internal/server"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	console := flag.Bool("console", false, "start the interactive admin console instead of blocking on signals")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))
	logger := log.Logger

	if !cfg.SocksServer.Enable {
		logger.Fatal().Msg("socksServer.enable is false; nothing to run")
	}

	srv := server.New(cfg, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	if *console {
		runConsole(srv)
		cancel()
		srv.Stop()
		return
	}

	waitForShutdownSignal(logger)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("shutdown timed out; exiting anyway")
	}
}

func waitForShutdownSignal(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
}

// parseLogLevel mirrors original_source/main.cpp's parseStringLevel.
func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
