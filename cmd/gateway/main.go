// Command gateway runs the platform's edge gateway: it authenticates every
// inbound request, enforces rate limits and entitlements, proxies traffic to
// backend services, and relays realtime events across instances.
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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/edge-gateway/internal/authority"
	"github.com/driftline/edge-gateway/internal/config"
	"github.com/driftline/edge-gateway/internal/csrf"
	"github.com/driftline/edge-gateway/internal/entitlement"
	"github.com/driftline/edge-gateway/internal/identity"
	"github.com/driftline/edge-gateway/internal/permission"
	"github.com/driftline/edge-gateway/internal/ratelimit"
	"github.com/driftline/edge-gateway/internal/realtime"
	"github.com/driftline/edge-gateway/internal/router"
	"github.com/driftline/edge-gateway/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	sharedStore := store.NewRedis(redisClient)
	bus := realtime.NewRedisBus(redisClient)

	identityAuthority := authority.New(cfg.Authorities.IdentityURL, cfg.Authorities.Timeout)
	subscriptionAuthority := authority.New(cfg.Authorities.SubscriptionURL, cfg.Authorities.Timeout)
	authorizationAuthority := authority.New(cfg.Authorities.AuthorizationURL, cfg.Authorities.Timeout)

	verifier := identity.NewVerifier(identity.VerifierConfig{
		UserSecret:    []byte(cfg.Auth.UserSecret),
		UserIssuer:    cfg.Auth.UserIssuer,
		AdminSecret:   []byte(cfg.Auth.AdminSecret),
		AdminIssuer:   cfg.Auth.AdminIssuer,
		Audience:      cfg.Auth.Audience,
		SessionCookie: cfg.Auth.SessionCookie,
		AdminCookie:   cfg.Auth.AdminSessionCookie,
	}, identityAuthority, config.CredentialCacheTTL)
	defer verifier.Stop()

	csrfGuard := csrf.NewGuard(sharedStore, cfg.Auth.CsrfCookie, config.CsrfTokenTTL, config.CsrfDegradedWindow)

	entitlementGate := entitlement.NewGate(subscriptionAuthority,
		config.EntitlementPositiveTTL, config.EntitlementNegativeTTL)
	defer entitlementGate.Stop()

	permissionGate := permission.NewGate(authorizationAuthority, config.PermissionCacheTTL)
	defer permissionGate.Stop()

	rules := make([]ratelimit.Rule, 0, len(cfg.RateLimits))
	for _, r := range cfg.RateLimits {
		rules = append(rules, ratelimit.Rule{Name: r.Name, Max: r.Max, Window: r.Window})
	}
	limiter := ratelimit.NewLimiter(sharedStore, rules)

	hub := realtime.NewHub(verifier, sharedStore, bus, realtime.Config{
		MaxConnsPerPrincipal: cfg.Realtime.MaxConnsPerPrincipal,
		PresenceTTL:          cfg.Realtime.PresenceTTL,
		TypingTTL:            cfg.Realtime.TypingTTL,
	})

	table, err := router.NewTable(cfg.Backends)
	if err != nil {
		return err
	}
	rtr := router.New(router.Options{
		Table:             table,
		Verifier:          verifier,
		Csrf:              csrfGuard,
		Entitlements:      entitlementGate,
		Permissions:       permissionGate,
		Limiter:           limiter,
		Store:             sharedStore,
		CsrfCookie:        cfg.Auth.CsrfCookie,
		AssertionSecret:   []byte(cfg.Auth.AssertionSecret),
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		Realtime:          hub.HandleWS(cfg.Auth.SessionCookie),
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      rtr.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Int("backends", len(cfg.Backends)).Msg("gateway listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
		hub.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("gateway shut down cleanly")
	return nil
}
