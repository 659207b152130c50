// Package app wires the process together. Construction order follows the
// dependency chain: store -> registry -> index -> hub -> coordinator ->
// sessions -> transport -> HTTP.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"roomcast/internal/api"
	"roomcast/internal/auth"
	"roomcast/internal/config"
	"roomcast/internal/coordinator"
	"roomcast/internal/hub"
	"roomcast/internal/roster"
	"roomcast/internal/session"
	"roomcast/internal/store"
	"roomcast/internal/websocket"
)

// Application owns every long-lived component.
type Application struct {
	cfg        *config.Config
	store      *store.Store
	registry   *websocket.Registry
	index      *roster.Index
	bus        *hub.Hub
	coord      *coordinator.Coordinator
	sessions   *session.Manager
	httpServer *http.Server
}

// New builds a fully wired application. The registry's teardown hook is
// installed here so every unregister clears the connection's subscriptions.
func New(cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := websocket.NewRegistry()
	index := roster.NewIndex(registry.IsLive)
	registry.OnUnregister(index.CleanupConnection)

	bus := hub.NewHub(registry, index)
	coord := coordinator.New(st, bus, index, registry)
	sessions := session.NewManager(registry, index, st, coord)

	tokens := auth.NewManager(cfg.Auth.Secret, cfg.Auth.TokenTTL)

	wsHandler := websocket.NewHandler(tokens, sessions, websocket.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		PongWait:     cfg.WebSocket.PongWait,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		SendBuffer:   cfg.WebSocket.SendBuffer,
		ReadLimit:    cfg.WebSocket.ReadLimit,
	})
	apiServer := api.NewServer(st, coord, tokens, registry, index)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/ws", wsHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		index:      index,
		bus:        bus,
		coord:      coord,
		sessions:   sessions,
		httpServer: httpServer,
	}, nil
}

// Start launches the dispatcher and the HTTP server.
func (a *Application) Start(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.httpServer.Addr).Msg("roomcast listening")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.bus.Stop()
		return fmt.Errorf("http server failed: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown stops accepting connections, stops dispatch, and closes the
// store last so in-flight commits land.
func (a *Application) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := a.bus.Stop(); err != nil && err != hub.ErrHubNotRunning {
		log.Warn().Err(err).Msg("hub stop failed")
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("store close failed: %w", err)
	}
	return nil
}
