package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"identity-server/internal/db"
	"identity-server/internal/email"
	"identity-server/internal/events"
	"identity-server/internal/identity"
	"identity-server/internal/maintenance"
	"identity-server/internal/observability"
	"identity-server/internal/profile"
	"identity-server/internal/search"
	"identity-server/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

// Runtime is a fully wired application. The caller owns the HTTP server and
// the sweeper goroutine lifecycle.
type Runtime struct {
	Handler http.Handler
	Sweeper *maintenance.Sweeper
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	codec := token.NewCodec(
		jwtSecret,
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envMinutesOrDefault("PENDING_TOKEN_TTL_MINUTES", 15),
	)

	hub := events.NewHub(logger)
	indexer := search.NewSubscriber(search.NewLogIndexer(logger), logger)
	hub.Subscribe(indexer.Handle)

	var sender email.Sender
	if apiKey := strings.TrimSpace(os.Getenv("BREVO_API_KEY")); apiKey != "" {
		sender, err = email.NewBrevo(apiKey, envOrDefault("EMAIL_SENDER", "no-reply@example.com"))
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("init email sender: %w", err)
		}
	} else {
		logger.Warn("email_provider_not_configured", nil)
		sender = email.NewLogSender(logger)
	}
	dispatcher := email.NewDispatcher(sender, logger)

	repo := identity.NewRepository(database, logger)
	ledger := identity.NewLedger(repo, logger).WithConfig(
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		envIntOrDefault("MAX_SESSIONS_PER_ACCOUNT", 3),
	)
	hasher := identity.BcryptHasher{Cost: envIntOrDefault("BCRYPT_COST", 12)}

	registration := identity.NewRegistration(repo, codec, ledger, hasher, dispatcher, hub, logger)
	sessions := identity.NewSessions(repo, ledger, codec, hasher, logger)
	identityHandler := identity.NewHandler(registration, sessions, logger)

	profileRepo := profile.NewRepository(database)
	profileHandler := profile.NewHandler(profileRepo, hub, logger)

	sweeper := maintenance.NewSweeper(repo, logger, envHourOrDefault("CLEANUP_HOUR_UTC", 2))

	authLimiter := identity.NewRateLimiter(
		envIntOrDefault("AUTH_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("AUTH_RATE_LIMIT_WINDOW_SECONDS", 60),
	)
	requireAuth := identity.RequireAuth(codec, identityHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/check-username", identityHandler.CheckUsername)
	mux.HandleFunc("POST /api/auth/check-email", identityHandler.CheckEmail)
	mux.Handle("POST /api/auth/initial-register", authLimiter.Middleware(http.HandlerFunc(identityHandler.InitiateRegistration)))
	mux.Handle("POST /api/auth/resend-verification", authLimiter.Middleware(http.HandlerFunc(identityHandler.ResendVerification)))
	mux.Handle("POST /api/auth/verify-email", authLimiter.Middleware(http.HandlerFunc(identityHandler.VerifyEmail)))
	mux.HandleFunc("POST /api/auth/final-register", identityHandler.FinalizeRegistration)
	mux.Handle("POST /api/auth/login", authLimiter.Middleware(http.HandlerFunc(identityHandler.Login)))
	mux.HandleFunc("POST /api/auth/refresh", identityHandler.Refresh)
	mux.HandleFunc("POST /api/auth/logout", identityHandler.Logout)
	mux.Handle("POST /api/auth/logout-all", requireAuth(http.HandlerFunc(identityHandler.LogoutAll)))
	mux.Handle("POST /api/auth/change-password", requireAuth(http.HandlerFunc(identityHandler.ChangePassword)))
	mux.Handle("GET /api/users/me/profile", requireAuth(http.HandlerFunc(profileHandler.GetMe)))
	mux.Handle("PUT /api/users/me/profile", requireAuth(http.HandlerFunc(profileHandler.UpdateMe)))
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.Recover(logger, observability.RequestLogging(logger, mux))

	return &Runtime{
		Handler: handler,
		Sweeper: sweeper,
		Logger:  logger,
		Close: func() error {
			dispatcher.Wait()
			hub.Wait()
			observability.FlushSentry()
			logger.Sync()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// envHourOrDefault parses an hour of day; unlike envIntOrDefault, zero
// (midnight) is a valid value.
func envHourOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 || parsed > 23 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}
