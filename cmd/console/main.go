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

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/derma-console/internal/alert"
	"github.com/weiawesome/derma-console/internal/api"
	"github.com/weiawesome/derma-console/internal/config"
	"github.com/weiawesome/derma-console/internal/handler"
	"github.com/weiawesome/derma-console/internal/realtime"
	"github.com/weiawesome/derma-console/internal/service"
	"github.com/weiawesome/derma-console/internal/session"
	"github.com/weiawesome/derma-console/pkg/database"
	pkglog "github.com/weiawesome/derma-console/pkg/log"
	"github.com/weiawesome/derma-console/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	if cfg.Log.Level == "debug" {
		cfg.Log.Pretty = true
	}
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = pkglog.WithLogger(ctx, logger)

	// Local session storage
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session database")
	}
	defer database.Close(db)

	store, err := session.NewGormStore(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate session store")
	}
	sessions := session.NewManager(store)

	// Alerts: log, in-process SSE feed and optional Redis relay
	broadcaster := alert.NewBroadcaster()
	alerters := alert.Fanout{alert.LogAlerter{}, broadcaster}

	var relay *alert.Relay
	if cfg.Relay.Enabled {
		ps, err := pubsub.NewRedisBus(ctx, cfg.Relay.Redis)
		if err != nil {
			logger.Warn().Err(err).Str(pkglog.FieldUpstream, cfg.Relay.Redis.Address).Msg("alert relay disabled")
		} else {
			defer ps.Close()
			relay = alert.NewRelay(ps, cfg.Relay.ChannelPrefix, sessions.SpecialistID)
			alerters = append(alerters, relay)
			logger.Info().Str(pkglog.FieldUpstream, cfg.Relay.Redis.Address).Msg("alert relay connected")
		}
	}

	// Backend client; a 401 anywhere signs the specialist out
	client := api.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, sessions,
		api.WithUnauthorizedHandler(sessions.ForceLogout),
	)

	dial := func(token, roomID string) service.RoomConn {
		return realtime.New(cfg.Realtime, token, roomID)
	}

	console, err := service.NewConsole(sessions, client, dial, alerters, service.Options{
		Chat:               cfg.Chat,
		MessageEvent:       cfg.Realtime.MessageEvent,
		NotificationEvents: cfg.Realtime.NotificationEvents,
		PublicRoutes:       cfg.Session.PublicRoutes,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create console")
	}

	if s, err := console.Resume(ctx); err == nil {
		logger.Info().Str(pkglog.FieldSpecialistID, s.SpecialistID).Msg("resumed stored session")
	} else if !errors.Is(err, session.ErrNoSession) {
		logger.Warn().Err(err).Msg("stored session not resumed")
	}

	// Setup Gin router
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(pkglog.GinMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	httpHandler := handler.NewHandler(console, sessions, broadcaster, alerters)
	httpHandler.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("backend", cfg.Backend.BaseURL).Msg("console gateway starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down console gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		console.Shutdown()
		return err
	})
	if relay != nil {
		g.Go(func() error {
			return forwardAlerts(gctx, relay, sessions, broadcaster)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("console stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("console stopped")
}

// forwardAlerts shows toasts relayed by other processes of the signed-in
// specialist, following sign-in changes.
func forwardAlerts(ctx context.Context, relay *alert.Relay, sessions *session.Manager, sink alert.Alerter) error {
	l := pkglog.Ctx(ctx)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var current string
	cancel := func() {}
	defer func() { cancel() }()

	for {
		if id := sessions.SpecialistID(); id != current {
			cancel()
			cancel = func() {}
			current = id
			if id != "" {
				fctx, stop := context.WithCancel(ctx)
				cancel = stop
				go func() {
					if err := relay.Forward(fctx, id, sink); err != nil {
						l.Warn().Err(err).Str(pkglog.FieldSpecialistID, id).Msg("alert forwarding stopped")
					}
				}()
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
