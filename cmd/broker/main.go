// Command broker runs the OAuth authorization broker: an Authorization Code
// + PKCE server that fronts an upstream hosted IdP for MCP clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	broker "github.com/canopyhq/oauth-broker"
	"github.com/canopyhq/oauth-broker/instrumentation"
	"github.com/canopyhq/oauth-broker/security"
	"github.com/canopyhq/oauth-broker/storage"
	memorystore "github.com/canopyhq/oauth-broker/storage/memory"
	redisstore "github.com/canopyhq/oauth-broker/storage/redis"
	"github.com/canopyhq/oauth-broker/upstream/auth0"
	"github.com/canopyhq/oauth-broker/validation"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("broker exited", "error", err)
		os.Exit(1)
	}
}

// brokerStore is the union of store contracts the broker wires up.
type brokerStore interface {
	storage.TransactionStore
	storage.ClientStore
	storage.ValidationStore
}

func run() error {
	// Optional .env file for local development; absence is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := broker.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-broker",
		ServiceVersion: version,
		Enabled:        true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, cleanup, err := newStore(cfg, inst, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	provider, err := auth0.NewProvider(ctx, &auth0.Config{
		Domain:       cfg.Upstream.Domain,
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
		Audience:     cfg.Upstream.Audience,
		RedirectURL:  cfg.CallbackURL(),
		Scopes:       cfg.DefaultScopes,
	})
	if err != nil {
		return err
	}

	b, err := broker.New(broker.Options{
		Transactions: store,
		Clients:      store,
		Provider:     provider,
		Config:       cfg,
		Auditor:      security.NewAuditor(logger, true),
		Metrics:      inst.Metrics(),
	})
	if err != nil {
		return err
	}

	handler := broker.NewHandler(b, broker.HandlerOptions{
		RateLimiter:         security.NewRateLimiter(security.DefaultRequestsPerSecond, security.DefaultBurst, logger),
		RegistrationLimiter: security.NewClientRegistrationRateLimiter(logger),
		TrustProxy:          os.Getenv("TRUST_PROXY") == "true",
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("GET /readyz", handleReadyz(store))

	// When a backend validation endpoint is configured, expose a userinfo
	// endpoint protected by the cache-aside validator.
	if cfg.BackendValidateURL != "" {
		validator, err := validation.New(validation.Config{
			Endpoint: cfg.BackendValidateURL,
			Cache:    store,
			CacheTTL: cfg.ValidationCacheTTL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		mux.Handle("GET /userinfo", validator.Middleware(http.HandlerFunc(handleUserinfo)))
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting broker",
			"addr", server.Addr,
			"base_url", cfg.BaseURL,
			"upstream", provider.Name(),
			"store", storeKind(cfg),
			"version", version,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newStore selects the storage backend: Redis when an address is configured,
// otherwise the in-memory store.
func newStore(cfg *broker.Config, inst *instrumentation.Instrumentation, logger *slog.Logger) (brokerStore, func(), error) {
	if cfg.Redis.Addr == "" {
		store := memorystore.New(memorystore.Config{
			PendingAuthorizationTTL: cfg.PendingAuthorizationTTL,
			AuthorizationCodeTTL:    cfg.AuthorizationCodeTTL,
			ClientTTL:               cfg.ClientTTL,
			Logger:                  logger,
		})
		if err := inst.RegisterStorageSizeCallbacks(
			store.PendingCount, store.CodeCount, store.ClientCount,
		); err != nil {
			logger.Warn("Storage gauges not registered", "error", err)
		}
		return store, store.Stop, nil
	}

	store, err := redisstore.New(redisstore.Config{
		Address:                 cfg.Redis.Addr,
		Password:                cfg.Redis.Password,
		DB:                      cfg.Redis.DB,
		KeyPrefix:               cfg.Redis.KeyPrefix,
		EncryptionKey:           cfg.Redis.EncryptionKey,
		PendingAuthorizationTTL: cfg.PendingAuthorizationTTL,
		AuthorizationCodeTTL:    cfg.AuthorizationCodeTTL,
		ClientTTL:               cfg.ClientTTL,
		Logger:                  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("Store close failed", "error", err)
		}
	}
	return store, cleanup, nil
}

func storeKind(cfg *broker.Config) string {
	if cfg.Redis.Addr == "" {
		return "memory"
	}
	return "redis"
}

// pinger is implemented by stores with an external dependency to probe.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleReadyz reports storage readiness. The broker handler's /healthz
// covers liveness and upstream reachability; this probes the store. The
// Redis store is pinged; the in-memory store is always ready.
func handleReadyz(store brokerStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := store.(pinger); ok {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				http.Error(w, "store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})
}

// handleUserinfo returns the validated caller identity.
func handleUserinfo(w http.ResponseWriter, r *http.Request) {
	identity, ok := validation.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"user_id":         identity.UserID,
		"organization_id": identity.OrganizationID,
		"collection_id":   identity.CollectionID,
	})
}
