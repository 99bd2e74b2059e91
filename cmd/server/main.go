package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiosk-relay/internal/clients"
	"kiosk-relay/internal/livestream"
	"kiosk-relay/internal/platform/auth"
	"kiosk-relay/internal/platform/config"
	"kiosk-relay/internal/platform/logger"
	"kiosk-relay/internal/platform/metrics"
	"kiosk-relay/internal/signaling"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	store, err := livestream.NewOSStore(cfg.HLSRoot)
	if err != nil {
		return err
	}

	met := metrics.New()
	validator := clientValidator(cfg, log)

	repo := livestream.NewInMemoryStatusRepository()
	svc := livestream.NewService(store, repo, livestream.Config{
		KeepN:           cfg.KeepN,
		SegmentDuration: cfg.SegmentDuration,
		Container:       cfg.Container,
		DuplicatePolicy: livestream.DuplicatePolicy(cfg.DuplicatePolicy),
		BaseURL:         cfg.SegmentBaseURL,
	}, validator, log, met)
	hls := livestream.NewHandler(svc, log, met)
	hls.SetMaxUploadBytes(cfg.MaxUploadBytes)

	rooms := signaling.NewRegistry(cfg.SignalRoomIdleTTL, log, met)
	sig := signaling.NewHandler(rooms, validator, signaling.Options{
		IdleTimeout:  cfg.SignalIdleTimeout,
		ReadLimit:    cfg.SignalReadLimit,
		SendQueueLen: cfg.SignalSendQueueLen,
		MsgRate:      cfg.SignalMsgRate,
		MsgBurst:     cfg.SignalMsgBurst,
	}, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(svc.ActiveStreamCount())
			met.SetSignalRooms(rooms.Len())
		}).ServeHTTP(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	hls.Routes(r,
		auth.Middleware(cfg.AuthJWTSecret, log),
		httprate.LimitByIP(cfg.UploadRatePerMin, time.Minute),
	)
	sig.Routes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			"port", cfg.Port,
			"hls_root", cfg.HLSRoot,
			"keep_n", cfg.KeepN,
			"container", cfg.Container,
			"log_level", cfg.LogLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rooms.Run(ctx, cfg.SignalRoomSweep)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// clientValidator picks the client check: the remote registry when
// configured, then a static allowlist, otherwise every id is admitted.
func clientValidator(cfg config.Config, log *slog.Logger) clients.Validator {
	switch {
	case cfg.ClientRegistryURL != "":
		return clients.NewHTTPRegistry(cfg.ClientRegistryURL, &http.Client{Timeout: 5 * time.Second}, log)
	case len(cfg.ClientAllowlist) > 0:
		return clients.NewAllowlist(cfg.ClientAllowlist)
	default:
		log.Warn("no client registry configured, admitting all client ids")
		return clients.AllowAll{}
	}
}
