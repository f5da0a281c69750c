package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/atmx/timemachine/internal/api"
	"github.com/atmx/timemachine/internal/app"
	"github.com/atmx/timemachine/internal/config"
	"github.com/atmx/timemachine/internal/live"
	"github.com/atmx/timemachine/internal/logger"
	"github.com/atmx/timemachine/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log := logger.Init("timemachine", cfg.LogLevel)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Gateways and sessions ---
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Live feed ---
	feed := live.New(live.Config{
		Quotes:   a.Market,
		Schedule: cfg.LiveSchedule,
		Window:   cfg.LiveWindow,
		Logger:   log,
		OnPoint: func(symbol string, p model.LivePoint) {
			wsHub.Broadcast(api.LivePointMessage(symbol, p))
		},
	})
	for _, sym := range cfg.LiveSymbols {
		feed.Watch(sym)
	}
	if err := feed.Start(); err != nil {
		slog.Error("live feed failed to start", "err", err)
		os.Exit(1)
	}
	defer feed.Stop()

	// --- API service ---
	svc := api.NewService(a.Sessions, a.Market, a.News, feed, wsHub)

	// --- HTTP router ---
	r := api.NewRouter(svc)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("timemachine listening", "port", cfg.Port, "live_symbols", cfg.LiveSymbols)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down timemachine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("timemachine stopped")
}
