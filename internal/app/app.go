// Package app wires configuration, storage and the DAV handlers into a
// running server.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Raimguhinov/davfs-go/internal/config"
	"github.com/Raimguhinov/davfs-go/pkg/httpserver"
	"github.com/Raimguhinov/davfs-go/pkg/logger"
)

func Run(cfg *config.Config) {
	l := logger.New(cfg.Log.Level, cfg.App.Env)

	store, err := NewStorageFromURL(cfg, l)
	if err != nil {
		l.Error(fmt.Sprintf("app - Run - NewStorageFromURL: %v", err))
		os.Exit(1)
	}
	defer store.Close()

	if cfg.App.Verify {
		broken, err := store.Verify()
		if err != nil {
			l.Error("app - Run - store.Verify", logger.Err(err))
			os.Exit(1)
		}
		if broken > 0 {
			l.Error("app - Run - store.Verify", slog.Int("broken", broken))
			os.Exit(1)
		}
		l.Info("storage verified, no broken items")
		return
	}

	// HTTP Server
	router := SetupRouter(l, store, cfg)

	httpServer := httpserver.New(
		router,
		httpserver.Addr(cfg.HTTP.IP, cfg.HTTP.Port),
		httpserver.ReadTimeout(cfg.HTTP.Timeout),
		httpserver.WriteTimeout(cfg.HTTP.Timeout),
		httpserver.IdleTimeout(cfg.HTTP.IdleTimout),
	)
	l.Info("app - Run - listening", slog.String("ip", cfg.HTTP.IP), slog.String("port", cfg.HTTP.Port))

	// Waiting signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-interrupt:
		l.Info("app - Run - signal: " + s.String())
	case err = <-httpServer.Notify():
		l.Error(fmt.Sprintf("app - Run - httpServer.Notify: %v", err))
	}

	// Shutdown
	err = httpServer.Shutdown()
	if err != nil {
		l.Error(fmt.Sprintf("app - Run - httpServer.Shutdown: %v", err))
	}
}
