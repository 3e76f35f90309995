package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldops/crm-engine/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server.

STARTUP SEQUENCE:
  1. Load configuration
  2. Open the store (SQLite or Postgres)
  3. Wire ledger, reconciler and handlers
  4. Start the expiry scheduler when enabled
  5. Serve until SIGINT/SIGTERM, then drain and close`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (set CRM_AUTH_JWT_SECRET)")
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.store, a.ledger, a.reconciler)
	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	router := api.NewRouter(handler, auth, cfg.Server.CORSOrigins)

	scheduler := api.NewExpiryScheduler(a.ledger)
	scheduler.Enabled = cfg.Expiry.Enabled
	scheduler.CheckInterval = cfg.Expiry.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.Server.Port)
		log.Printf("API available at http://localhost:%d/api", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}
