package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eagleeye/liveview/internal/adapters/gateway"
	router "github.com/eagleeye/liveview/internal/adapters/http"
	"github.com/eagleeye/liveview/internal/adapters/rtc"
	"github.com/eagleeye/liveview/internal/app"
	"github.com/eagleeye/liveview/internal/app/floorplan"
	"github.com/eagleeye/liveview/internal/app/sink"
	"github.com/eagleeye/liveview/internal/app/status"
	"github.com/eagleeye/liveview/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config loading can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	applyLogLevel(cfg)
	loader.Watch(applyLogLevel)
	log.Info().
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("gateway", cfg.Gateway.BaseURL).
		Msg("config ready")

	peers, err := rtc.NewFactory(rtc.Options{
		STUNURLs:    cfg.WebRTC.STUNURLs,
		PLIInterval: cfg.WebRTC.PLIInterval,
		PortMin:     cfg.WebRTC.PortMin,
		PortMax:     cfg.WebRTC.PortMax,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create webrtc api")
	}

	hub := status.NewHub()
	sinks := sink.NewManager(ctx)
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.RequestTimeout)
	factory := app.NewSessionFactory(gw, peers, sinks, hub, cfg.WebRTC.GatherTimeout)

	plan := floorplan.NewCache(
		floorplan.NewHTTPFetcher(cfg.FloorPlan.URL, cfg.FloorPlan.RequestTimeout),
		cfg.FloorPlan.RetryInterval,
		cfg.FloorPlan.RefreshInterval,
	)
	go plan.Run(ctx)

	viewer := &app.Viewer{
		Registry:  app.NewRegistry(ctx, factory),
		Status:    hub,
		Sinks:     sinks,
		FloorPlan: plan,
		Watchers:  peers,
	}
	go viewer.FollowFloorPlan(ctx)

	r := router.SetupRouter(ctx, cfg, viewer)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("LiveView server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	viewer.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func applyLogLevel(cfg *config.Config) {
	lvl, err := config.ParseLevel(cfg.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
