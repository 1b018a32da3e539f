// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Command server runs the CytoSync collaboration server: WebSocket sessions
// for shared slide annotation, autosave persistence with revert history, and
// the REST surface for session discovery.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cytosync/cytosync/internal/annotation"
	"github.com/cytosync/cytosync/internal/api"
	"github.com/cytosync/cytosync/internal/collab"
	"github.com/cytosync/cytosync/internal/config"
	"github.com/cytosync/cytosync/internal/history"
	"github.com/cytosync/cytosync/internal/logging"
	"github.com/cytosync/cytosync/internal/persistence"
	"github.com/cytosync/cytosync/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("data_dir", cfg.Storage.DataDir).
		Int("history_cap", cfg.Storage.HistoryCap).
		Int("classes", len(cfg.Image.Classes)).
		Msg("Starting CytoSync collaboration server")

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logging.Fatal().Err(err).Str("dir", cfg.Storage.DataDir).Msg("Failed to create data directory")
	}

	tracker := history.NewTracker(cfg.Storage.HistoryCap)
	saver := persistence.NewAutosaver(cfg.Storage.DataDir, tracker)
	classes := annotation.NewClassConfig(cfg.Image.Classes)
	registry := collab.NewRegistry(cfg.Collab, classes, saver)

	router := api.NewRouter(cfg, registry, saver)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddCollabService(collab.NewReaperService(registry))
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	logging.Info().Msg("Server stopped gracefully")
}
