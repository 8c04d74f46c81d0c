package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/milanbella/sa-oauth/auth"
	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/db"
	"github.com/milanbella/sa-oauth/instrumentation"
	"github.com/milanbella/sa-oauth/logger"
	"github.com/milanbella/sa-oauth/registry"
	"github.com/milanbella/sa-oauth/security"
	"github.com/milanbella/sa-oauth/store/memory"
	"github.com/milanbella/sa-oauth/store/sqlstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(fmt.Errorf("load config: %w", err))
	}

	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development}); err != nil {
		logger.Fatal(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("init prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.LogErr(fmt.Errorf("shutdown meter provider: %w", err))
		}
	}()

	metrics, err := instrumentation.New(provider)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close()

	var limiter auth.Limiter
	sweepers := backend.sweepers
	if cfg.RateLimit.RequestsPerSecond > 0 {
		rl := security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.MaxEntries)
		limiter = rl
		sweepers = append(sweepers, rl)
	}

	var consentURL *url.URL
	if cfg.Auth.ConsentURL != "" {
		// validated by config.Load
		consentURL, _ = url.Parse(cfg.Auth.ConsentURL)
	}

	router := newRouter(routes{
		Authorize: auth.NewAuthorizationHandler(auth.AuthorizationConfig{
			Registry:   backend.registry,
			Codes:      backend.codes,
			Identity:   auth.HeaderIdentity{Header: cfg.Auth.IdentityHeader},
			LoginPath:  cfg.Auth.LoginPath,
			ConsentURL: consentURL,
			Metrics:    metrics,
		}),
		Token: auth.NewTokenHandler(auth.TokenConfig{
			Registry:            backend.registry,
			Codes:               backend.codes,
			Tokens:              backend.tokens,
			Limiter:             limiter,
			Metrics:             metrics,
			RevokeFamilyOnReuse: cfg.Auth.RevokeFamilyOnReuse,
		}),
		Introspect: auth.NewIntrospectionHandler(auth.IntrospectionConfig{
			Registry: backend.registry,
			Tokens:   backend.tokens,
			Limiter:  limiter,
			Metrics:  metrics,
		}),
		Revoke: auth.NewRevocationHandler(auth.RevocationConfig{
			Registry: backend.registry,
			Tokens:   backend.tokens,
			Limiter:  limiter,
			Metrics:  metrics,
		}),
		Metrics: promhttp.Handler(),
		Ping:    backend.ping,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("db_driver", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return auth.RunSweeper(gctx, cfg.Auth.SweepInterval, metrics, sweepers...)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

type backend struct {
	registry auth.ClientRegistry
	codes    auth.CodeStore
	tokens   auth.TokenStore
	sweepers []auth.Sweeper
	ping     func(context.Context) error
	close    func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	var fileClients *registry.Static
	if cfg.Auth.ClientsFile != "" {
		reg, err := registry.LoadFile(cfg.Auth.ClientsFile)
		if err != nil {
			return nil, err
		}
		fileClients = reg
	}

	if cfg.Database.Driver == config.DriverMemory {
		store := memory.New(
			memory.WithAccessTTL(cfg.Auth.AccessTokenTTL),
			memory.WithRefreshTTL(cfg.Auth.RefreshTokenTTL),
		)
		logger.Info("using in-memory storage", zap.Int("clients", fileClients.Len()))
		return &backend{
			registry: fileClients,
			codes:    store,
			tokens:   store,
			sweepers: []auth.Sweeper{store},
			ping:     func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	}

	sqlDB, err := db.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}

	clients := sqlstore.NewClients(sqlDB)
	if fileClients != nil {
		if err := seedClients(ctx, clients, fileClients); err != nil {
			closeDB(sqlDB)
			return nil, err
		}
	}

	store := sqlstore.New(sqlDB,
		sqlstore.WithAccessTTL(cfg.Auth.AccessTokenTTL),
		sqlstore.WithRefreshTTL(cfg.Auth.RefreshTokenTTL),
	)
	return &backend{
		registry: clients,
		codes:    store,
		tokens:   store,
		sweepers: []auth.Sweeper{store},
		ping:     sqlDB.PingContext,
		close:    func() { closeDB(sqlDB) },
	}, nil
}

// seedClients copies the clients file into the database so that it stays the
// source of truth for registrations.
func seedClients(ctx context.Context, clients *sqlstore.Clients, file *registry.Static) error {
	for _, c := range file.Clients() {
		if err := clients.Upsert(ctx, c); err != nil {
			return fmt.Errorf("seed client %s: %w", c.ClientID, err)
		}
	}
	logger.Info("clients seeded from file", zap.Int("clients", file.Len()))
	return nil
}

func closeDB(sqlDB *sql.DB) {
	if err := sqlDB.Close(); err != nil {
		logger.LogErr(fmt.Errorf("close db: %w", err))
	}
}

type routes struct {
	Authorize  http.Handler
	Token      http.Handler
	Introspect http.Handler
	Revoke     http.Handler
	Metrics    http.Handler
	Ping       func(context.Context) error
}

func newRouter(rt routes) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/authorize", rt.Authorize)
	mux.Handle("/token", rt.Token)
	mux.Handle("/introspect", rt.Introspect)
	mux.Handle("/revoke", rt.Revoke)
	mux.Handle("/metrics", rt.Metrics)
	mux.HandleFunc("/healthz", healthHandler(rt.Ping))

	return security.RequestIDMiddleware(mux)
}

func healthHandler(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := ping(ctx); err != nil {
			logger.FromContext(r.Context()).Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
