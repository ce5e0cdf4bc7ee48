package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clocktown/townsync/internal/config"
	"github.com/clocktown/townsync/internal/credentials"
	"github.com/clocktown/townsync/internal/httpapi"
	"github.com/clocktown/townsync/internal/hub"
	"github.com/clocktown/townsync/internal/timer"
	"github.com/clocktown/townsync/internal/town"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := hub.New(ctx, logger.Named("hub"))
	timers := timer.NewCoordinator(logger.Named("timer"), h)
	creds := credentials.NewIssuer([]byte(cfg.JWTSecret), cfg.CredentialTTL, cfg.CredentialEpoch)
	service := town.NewService(logger.Named("town"), h, timers, creds, cfg.NightCategory)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.SetupRoutes(logger.Named("ws"), service, h),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Inbox() <- hub.Shutdown{}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
