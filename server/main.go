// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rgov/foxglove-studio/config"
	"github.com/rgov/foxglove-studio/internal/observability"
	"github.com/rgov/foxglove-studio/internal/pipeline"
	"github.com/rgov/foxglove-studio/internal/player"
	"github.com/rgov/foxglove-studio/internal/source"
)

func printConfiguration() {
	slog.Info("starting bagview", slog.String("version", config.BagviewVersion))
	if config.Config.Data != "" {
		slog.Info("running with", slog.String("data", config.Config.Data))
	} else {
		slog.Info("running with the built-in demo recording")
	}
	slog.Info("running with", slog.Int("port", config.Config.Port))
	slog.Info("running with", slog.Int("block-cache-size-mb", config.Config.BlockCacheSizeMB))
	slog.Info("running on", slog.Int("cores", runtime.NumCPU()))
}

func printBanner() {
	fmt.Print(`

██████╗  █████╗  ██████╗ ██╗   ██╗██╗███████╗██╗    ██╗
██╔══██╗██╔══██╗██╔════╝ ██║   ██║██║██╔════╝██║    ██║
██████╔╝███████║██║  ███╗██║   ██║██║█████╗  ██║ █╗ ██║
██╔══██╗██╔══██║██║   ██║╚██╗ ██╔╝██║██╔══╝  ██║███╗██║
██████╔╝██║  ██║╚██████╔╝ ╚████╔╝ ██║███████╗╚███╔███╔╝
╚═════╝ ╚═╝  ╚═╝ ╚═════╝   ╚═══╝  ╚═╝╚══════╝ ╚══╝╚══╝

`)
}

// OpenSource builds the message source selected by the configuration: a
// recording database when --data is set, the synthetic demo otherwise.
func OpenSource() (source.Source, error) {
	if path := config.Config.Data; path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("recording %q is not readable: %w", path, err)
		}
		return source.NewSQLiteSource(path), nil
	}
	return demoSource(), nil
}

func Start() {
	printBanner()
	printConfiguration()

	src, err := OpenSource()
	if err != nil {
		slog.Error("could not open the recording", slog.Any("error", err))
		os.Exit(1)
	}

	pl := player.New(src, player.Options{
		BlockDuration:  time.Duration(config.Config.BlockDurationSec) * time.Second,
		CacheBytes:     int64(config.Config.BlockCacheSizeMB) << 20,
		StartDelay:     time.Duration(config.Config.StartDelayMS) * time.Millisecond,
		SeekAckTimeout: time.Duration(config.Config.SeekAckTimeoutMS) * time.Millisecond,
	})
	if s := config.Config.PlaybackSpeed; s > 0 && s != 1.0 {
		pl.SetPlaybackSpeed(s)
	}

	ctrl := pipeline.New(pl.Problems(),
		pipeline.WithFrameTimeout(time.Duration(config.Config.FrameTimeoutSec)*time.Second),
		pipeline.WithMetrics(observability.NewCollector(observability.Metrics, pl.ID())),
	)
	ctrl.SetPlayer(pl.ID())

	hub := newHub(pl, ctrl)
	ctrl.AddHandler(hub.Handler)

	if err := pl.SetListener(ctrl.Listener()); err != nil {
		slog.Error("could not attach the state listener", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.handleWS)
	if config.Config.MetricsEnabled {
		observability.RegisterCustomCollector(func() []string {
			return []string{fmt.Sprintf("playback_connected_viewers %d", hub.ViewerCount())}
		})
		observability.SetupPrometheus(mux)
	}

	addr := fmt.Sprintf("%s:%d", config.Config.Host, config.Config.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	serverErrCh := make(chan error, 1)
	go func() {
		slog.Info("ready to accept connections", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	// Handle SIGTERM and SIGINT
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigs:
		slog.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-serverErrCh:
		slog.Error("http server exited", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown did not complete", slog.Any("error", err))
	}
	hub.closeAll()
	pl.Close()
	slog.Debug("bye.")
}
