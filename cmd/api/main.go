package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"identity-server/app"
)

func main() {
	runtime, err := app.Build(app.Options{LoadDotEnv: true, RunMigrations: true})
	if err != nil {
		// Logger may not exist yet when Build fails this early.
		os.Stderr.WriteString("bootstrap failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer runtime.Close()

	logger := runtime.Logger
	addr := ":" + envOrDefault("PORT", "8080")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runtime.Sweeper.Run(ctx)

	server := &http.Server{
		Addr:              addr,
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server_shutdown_failed", map[string]any{"error": err.Error()})
		}
	}()

	logger.Info("server_start", map[string]any{"addr": addr})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("server_stopped", nil)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
