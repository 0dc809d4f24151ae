package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/emias/emias/internal/config"
	"github.com/emias/emias/internal/domain/patient"
	"github.com/emias/emias/internal/platform/auth"
	"github.com/emias/emias/internal/platform/metrics"
	"github.com/emias/emias/internal/platform/middleware"
)

func serveCmd(dataFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the patient registry HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*dataFile)
		},
	}
}

func runServer(dataFile string) error {
	cfg, err := loadConfig(dataFile)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)

	var m *metrics.Metrics
	var sm *metrics.StoreMetrics
	if cfg.MetricsEnabled {
		m = metrics.New()
		sm = m.Store
	}

	store, err := openStore(cfg, logger, sm)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.DataFile).Msg("failed to open patient store")
		return err
	}
	logger.Info().Str("path", store.Path()).Int("patients", store.Len()).Msg("patient store opened")

	svc := patient.NewService(store, logger)
	e := newServer(cfg, svc, logger, m)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires routes and middleware. m may be nil to disable metrics.
func newServer(cfg *config.Config, svc *patient.Service, logger zerolog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if m != nil {
		e.Use(m.Middleware())
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	e.GET("/health", func(c echo.Context) error {
		_, total := svc.ListPatients(0, 0)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"version":  version,
			"patients": total,
		})
	})

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	var recorders []middleware.AuditRecorder
	if m != nil {
		recorders = append(recorders, middleware.AuditRecorderFunc(func(a middleware.AuditEntry) error {
			m.RecordAccess(a.Resource, a.Action, a.StatusCode)
			return nil
		}))
	}
	apiV1.Use(middleware.Audit(logger, recorders...))

	patient.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}
