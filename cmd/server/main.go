package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/conference-registration/internal/config"
	"github.com/iliyamo/conference-registration/internal/database"
	"github.com/iliyamo/conference-registration/internal/discord"
	"github.com/iliyamo/conference-registration/internal/handler"
	"github.com/iliyamo/conference-registration/internal/identity"
	"github.com/iliyamo/conference-registration/internal/middleware"
	"github.com/iliyamo/conference-registration/internal/pretix"
	"github.com/iliyamo/conference-registration/internal/queue"
	"github.com/iliyamo/conference-registration/internal/registration"
	"github.com/iliyamo/conference-registration/internal/repository"
	"github.com/iliyamo/conference-registration/internal/router"
	queue_publisher "github.com/iliyamo/conference-registration/internal/service"
)

func main() {
	_ = godotenv.Load()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := config.NewLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.Options())
	if err != nil {
		return err
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = database.Migrate(migrateCtx, db, cfg.Database.Driver)
	cancel()
	if err != nil {
		return err
	}

	repo, err := repository.NewRegistrationRepo(db, cfg.Database.Driver)
	if err != nil {
		return err
	}

	roles := identity.DefaultRoleTable()
	if cfg.RoleTableFile != "" {
		if roles, err = identity.LoadRoleTable(cfg.RoleTableFile); err != nil {
			return err
		}
	}

	tickets, err := pretix.NewVerifier(cfg.Pretix())
	if err != nil {
		return err
	}
	dc, err := discord.New(cfg.Discord())
	if err != nil {
		return err
	}

	opts := registration.Options{
		TokenLifetime: cfg.StateTokenLifetime,
		Roles:         roles,
		Logger:        log,
	}
	if cfg.AMQPURL != "" {
		opts.Retries = queue_publisher.NewGrantRetryPublisher(cfg.AMQPURL, log)
	}
	reg := registration.New(repo, dc, dc, opts)

	if cfg.AMQPURL != "" {
		go func() {
			err := queue.StartGrantRetryConsumer(ctx, cfg.AMQPURL, queue_publisher.GrantRetryHandler(reg), log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("grant-retry consumer stopped", "err", err)
			}
		}()
	} else {
		log.Info("PRECORD_AMQP_URL not set; failed grants will not be retried")
	}

	rlCfg, err := config.LoadRateLimitConfig()
	if err != nil {
		return err
	}
	rdb := config.NewRedisClient(log)
	if rdb != nil {
		defer rdb.Close()
	}

	tpl, err := handler.NewTemplates()
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = tpl
	e.HTTPErrorHandler = handler.ErrorHandler(log)
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	router.RegisterRoutes(e, db)
	router.RegisterRegistration(e,
		handler.NewRegistrationHandler(tickets, reg, dc, log),
		middleware.NewTokenBucket(rlCfg, rdb, log),
	)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "env", cfg.Env, "rate_limit", rdb != nil && rlCfg.Enabled)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
