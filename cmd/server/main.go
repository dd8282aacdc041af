// cmd/server is the realtime coordination core's entrypoint: it wires
// every module spec.md §2 names into one process, the way the
// teacher's cmd/api/main.go wires its repositories/services/handlers,
// and supervises the HTTP server, the cross-instance bus and the
// presence sweep under one cancellable errgroup (SPEC_FULL.md §3's
// domain-stack note on dantte-lp-gobfd's goroutine supervision style).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"sentinelchat/internal/bus"
	"sentinelchat/internal/config"
	"sentinelchat/internal/connectors"
	"sentinelchat/internal/gateway"
	"sentinelchat/internal/keyspace"
	"sentinelchat/internal/metrics"
	"sentinelchat/internal/presence"
	"sentinelchat/internal/ratelimit"
	"sentinelchat/internal/roommembership"
	"sentinelchat/internal/session"
	"sentinelchat/internal/typing"
	"sentinelchat/pkg/logger"
)

const presenceSweepInterval = time.Minute

func main() {
	cfg := config.Load()

	mode := logger.DevelopmentMode
	if os.Getenv("APP_ENV") == "production" {
		mode = logger.ProductionMode
	}
	log := logger.New(mode)
	defer log.Logger.Sync()
	log.Infof("sentinelchat: logger initialized in %s mode", mode)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	ka := keyspace.New(keyspace.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log)
	defer ka.Close()

	rooms := roommembership.New(ka)
	presenceLedger := presence.New(ka, rooms, cfg.PresenceTTL, log)
	typingLedger := typing.New(ka, rooms, cfg.TypingTTL, log)
	limiter := ratelimit.New(ka)

	// jwtconnector stands in for the external identity-provider and
	// relational store spec.md §1 puts out of scope: it gives
	// cmd/server a runnable TokenVerifier/TokenRefresher without a
	// database, per SPEC_FULL.md §4's resolution of the refresh-token
	// family-rotation Open Question. A deployment with a real PC
	// implementation swaps this constructor for one backed by the
	// identity/relational services.
	jwtConn := connectors.NewJWTConnector([]byte(cfg.JWTSecret), cfg.JWTLeeway, 15*time.Minute)
	memConn := connectors.NewMemConnector()
	pc := struct {
		*connectors.JWTConnector
		*connectors.MemConnector
	}{jwtConn, memConn}

	sessions := session.NewManager(cfg.ReconnectGrace, nil)
	hub := gateway.NewHub(sessions, log)
	router := gateway.NewRouter(hub, sessions, presenceLedger, typingLedger, rooms, limiter, pc, ka, cfg, log)
	// The Manager's grace-expiry callback and the Router are mutually
	// dependent at construction, so the callback is wired in after
	// both exist (session.Manager.SetOnGraceExpire's doc comment).
	sessions.SetOnGraceExpire(router.GraceExpired)

	httpServer := gateway.NewHTTPServer(router, hub, log)
	httpServer.Engine().GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	dispatcher := gateway.NewBusDispatcher(hub)
	xib := bus.New(ka, dispatcher, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpServer.Engine(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Logger.Sugar().Infow("sentinelchat: listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return xib.Run(gctx)
	})

	g.Go(func() error {
		return runPresenceSweep(gctx, presenceLedger, rooms, log)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("sentinelchat: exited with error: %v", err)
		os.Exit(1)
	}
}

// runPresenceSweep implements the once-per-minute background pass
// spec.md §4.3 describes, scoped to every room any instance has
// recorded a join for (roommembership.Cache.ListKnownRooms). The "mark matching
// DB rows OFFLINE via PC" half of spec.md §4.3 has no PC contract of
// its own (internal/connectors only models the reads/writes spec.md
// §4.9 names) — presence.Ledger.SetOffline is the keyspace-side
// equivalent and is what every other offlining path in this core
// already calls, so the sweep uses it too.
func runPresenceSweep(ctx context.Context, pl *presence.Ledger, rooms *roommembership.Cache, log *logger.Logger) error {
	ticker := time.NewTicker(presenceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			roomIDs, err := rooms.ListKnownRooms(ctx)
			if err != nil {
				log.Logger.Sugar().Warnw("presence sweep: could not list known rooms", "error", err)
				continue
			}
			if err := pl.Sweep(ctx, roomIDs, pl.SetOffline); err != nil {
				log.Logger.Sugar().Warnw("presence sweep failed", "error", err)
			}
		}
	}
}
