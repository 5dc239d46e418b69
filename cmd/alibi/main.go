package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/alibi-app/alibi/internal/blob"
	"github.com/alibi-app/alibi/internal/evidence"
	"github.com/alibi-app/alibi/internal/kurrentdb"
	"github.com/alibi-app/alibi/internal/proof"
	"github.com/alibi-app/alibi/internal/shared/auth"
	"github.com/alibi-app/alibi/internal/shared/config"
	"github.com/alibi-app/alibi/internal/shared/database"
	"github.com/alibi-app/alibi/internal/shared/metrics"
	secmiddleware "github.com/alibi-app/alibi/internal/shared/middleware"
	"github.com/alibi-app/alibi/internal/tsa"
)

// App holds all application dependencies
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	DB        *database.DB
	Blobs     blob.Store
	Events    *kurrentdb.Client
	TSAServer *tsa.Server
	Service   *evidence.Service
	Pool      *evidence.Pool

	isReady atomic.Bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := setupLogger(cfg.Server)
	if err := run(cfg, log); err != nil {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()
	app := &App{Config: cfg, Log: log}

	var repo evidence.Repository
	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.Migrate(ctx, db.Pool, log); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		app.DB = db
		repo = evidence.NewPostgresRepository(db.Pool)
	} else {
		log.Warn("database disabled, evidence is kept in memory only")
		repo = evidence.NewMemoryRepository()
	}

	blobs, err := blob.Open(cfg.Storage.URI, blob.Options{
		S3AccessKey: cfg.Storage.S3AccessKey,
		S3SecretKey: cfg.Storage.S3SecretKey,
	}, log)
	if err != nil {
		return err
	}
	app.Blobs = blobs

	authority, pinned, err := app.setupAuthority()
	if err != nil {
		return err
	}

	verifier, err := proof.NewVerifier(pinned, proof.WithClockSkew(cfg.TSA.ClockSkew))
	if err != nil {
		return err
	}

	app.Service = evidence.NewService(repo, blobs, authority, verifier, evidence.ServiceConfig{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		AllowedTypes:   cfg.Upload.AllowedTypes,
		StaleAfter:     cfg.Worker.StaleAfter,
	}, log)

	// Lifecycle events are optional; the ledger never depends on them
	if cfg.KurrentDB.Enabled {
		client, err := kurrentdb.NewClient(kurrentdb.NewConfig(cfg.KurrentDB))
		if err == nil {
			err = client.Connect(ctx)
		}
		if err != nil {
			log.Warn("KurrentDB not available, running without event streaming", "err", err)
		} else {
			app.Events = client
			defer client.Close()
			app.Service.SetPublisher(kurrentdb.NewPublisher(client))
			log.Info("KurrentDB event stream initialized")
		}
	}

	app.Pool = evidence.NewPool(cfg.Worker.Workers, cfg.Worker.QueueSize, app.Service.AdvanceProofState, log).
		WithSweep(app.Service.SweepInterval(), app.Service.Sweep)
	app.Service.SetScheduler(app.Pool)
	if err := app.Pool.Start(ctx); err != nil {
		return err
	}
	if _, err := app.Service.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		app.isReady.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("server shutdown error", "err", err)
		}
		// In-flight proof requests still running at the deadline are
		// recorded as interrupted
		if err := app.Pool.Stop(ctx); err != nil {
			log.Warn("proof workers stopped before finishing", "err", err)
		}
		close(done)
	}()

	app.isReady.Store(true)
	log.Info("alibi evidence engine started",
		slog.String("env", cfg.Server.Env),
		slog.String("addr", srv.Addr),
		slog.String("blob_store", blobs.Name()),
		slog.String("authority", authority.Name()),
		slog.Bool("database", app.DB != nil),
		slog.Bool("kurrentdb", app.Events != nil))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info("server stopped")
	return nil
}

// setupAuthority picks the embedded or an external timestamp authority and
// returns the certificates the verifier must pin.
func (app *App) setupAuthority() (tsa.Authority, []*x509.Certificate, error) {
	cfg := app.Config.TSA

	if cfg.EmbeddedEnabled || cfg.URL == "" {
		var (
			server *tsa.Server
			err    error
		)
		if cfg.CertPath != "" && cfg.KeyPath != "" {
			server, err = tsa.NewServerFromFiles(cfg.CertPath, cfg.KeyPath)
		} else {
			if app.Config.Server.IsProduction() {
				app.Log.Warn("embedded timestamp authority uses a generated certificate")
			}
			server, err = tsa.NewServerWithGeneratedCert(cfg.OrgName)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize embedded timestamp authority: %w", err)
		}
		app.TSAServer = server
	}

	if cfg.URL == "" {
		return app.TSAServer, app.TSAServer.CertificateChain(), nil
	}

	var pinned []*x509.Certificate
	for _, path := range cfg.TrustedCertPaths {
		certs, err := tsa.LoadCertificates(path)
		if err != nil {
			return nil, nil, err
		}
		pinned = append(pinned, certs...)
	}

	client, err := tsa.NewClient(tsa.ClientConfig{
		URL:            cfg.URL,
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		AttemptTimeout: cfg.AttemptTimeout,
	}, &http.Client{}, app.Log)
	if err != nil {
		return nil, nil, err
	}
	return client, pinned, nil
}

func (app *App) router() http.Handler {
	cfg := app.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(app.httpLogger)
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))

	r.Get("/health", app.healthHandler)
	r.Get("/ready", app.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	if app.TSAServer != nil {
		r.Post("/tsa", app.TSAServer.ServeHTTP)
	}

	handler := evidence.NewHandler(app.Service, cfg.Server.PublicURL, cfg.Upload.MaxBytes)
	if cfg.Upload.RateLimit > 0 {
		handler.WithUploadLimit(secmiddleware.NewIPRateLimiter(cfg.Upload.RateLimit, cfg.Upload.RateBurst).Middleware)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))
		r.Mount("/evidence", handler.Routes())
	})

	return r
}

func (app *App) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(app.Log, next)
}

func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (app *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"server": "ready"}
	if !app.isReady.Load() {
		checks["server"] = "not ready: draining"
	}

	if app.DB != nil {
		if err := app.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}
	} else {
		checks["database"] = "not configured"
	}

	if app.Blobs.Available(r.Context()) {
		checks["blob_store"] = "ready"
	} else {
		checks["blob_store"] = "not ready: unavailable"
	}

	if app.Events != nil {
		if err := app.Events.HealthCheck(r.Context()); err != nil {
			checks["kurrentdb"] = "not ready: " + err.Error()
		} else {
			checks["kurrentdb"] = "ready"
		}
	} else {
		checks["kurrentdb"] = "not configured"
	}

	allReady := true
	for _, status := range checks {
		if strings.HasPrefix(status, "not ready") {
			allReady = false
			break
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// setupLogger logs JSON in production and text elsewhere.
func setupLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", "alibi")
}
