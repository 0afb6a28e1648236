package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/config"
	"github.com/draftea/user-mail-saga/saga-service/handlers"
	"github.com/draftea/user-mail-saga/shared/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.ReadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	config.SetupLogger(cfg)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Saga service stopped with error")
	}
}

func run(cfg *config.Config) error {
	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msgf("Starting %s", cfg.ServiceName)

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies
	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to build dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing dependencies")
		}
	}()

	ctx = telemetry.WithTelemetry(ctx, deps.Telemetry)

	// Start event subscriptions
	for _, topic := range config.SubscribedTopics {
		if err := deps.EventSubscriber.Subscribe(ctx, topic, deps.SagaEventHandlers); err != nil {
			return errors.Wrapf(err, "failed to subscribe to %s", topic)
		}
		log.Info().Str("topic", topic.String()).Msg("Subscribed")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "failed to start server")
		}
		return nil
	})

	if cfg.Saga.Retention > 0 {
		g.Go(func() error {
			scheduler, err := handlers.NewRetentionScheduler(gctx, deps.PurgeSagas, cfg.Saga.PurgeInterval)
			if err != nil {
				return err
			}
			scheduler.Start()
			log.Info().Dur("interval", cfg.Saga.PurgeInterval).Msg("Saga retention job started")

			<-gctx.Done()
			return scheduler.Shutdown()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msgf("Shutting down %s", cfg.ServiceName)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop consuming first so in-flight sagas finish before the server and stores go away
		if err := closeWithin(shutdownCtx, deps.EventSubscriber.Close); err != nil {
			log.Error().Err(err).Msg("Error closing event subscriber")
		}

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msgf("%s stopped", cfg.ServiceName)
	return nil
}

// closeWithin runs closeFn and gives up waiting once ctx is done
func closeWithin(ctx context.Context, closeFn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- closeFn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "gave up waiting for in-flight messages")
	}
}

func setupRouter(deps *config.Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	if deps.Telemetry != nil {
		r.Use(telemetry.Middleware(deps.Telemetry))
	}

	r.Get("/health", handlers.Health)
	r.Handle("/metrics", handlers.NewMetricsHandler())

	deps.SagaHandlers.RegisterRoutes(r)

	return r
}
