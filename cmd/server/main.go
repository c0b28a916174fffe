// Package main is the entry point for the coach server.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"coach-server/internal/api"
	"coach-server/internal/claude"
	"coach-server/internal/coach"
	"coach-server/internal/config"
	"coach-server/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	srv, err := api.NewServer(cfg, st, newProvider(cfg))
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	var handler http.Handler = api.NewRouter(srv)
	if cfg.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Disable for streaming
		IdleTimeout:  120 * time.Second,
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go srv.Budget().RunSweeper(sweepCtx, cfg.SweepInterval)

	go func() {
		log.Printf("Server starting on %s (model %s, h2c %v)", cfg.ServerAddr, cfg.AnthropicModel, cfg.H2C)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// newProvider returns nil without an API key, leaving chat unavailable while
// the rest of the API keeps serving.
func newProvider(cfg *config.Config) coach.Provider {
	if cfg.AnthropicKey == "" {
		log.Println("ANTHROPIC_API_KEY not set; coach chat disabled")
		return nil
	}
	return claude.NewProvider(cfg.AnthropicKey)
}
