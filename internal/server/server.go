// Package server exposes the webhook intake, the manual sweep trigger and
// read-only state views over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/dispatch"
	"github.com/zulandar/signalbox/internal/intake"
	"github.com/zulandar/signalbox/internal/sweep"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SweepRunner runs one sweep. *sweep.Sweeper implements it.
type SweepRunner interface {
	Run(ctx context.Context, trigger string) (*sweep.Summary, error)
}

// Opts holds the server's dependencies.
type Opts struct {
	DB           *gorm.DB
	Intake       *intake.Service
	Store        *dialog.Store
	Events       *dispatch.EventLog
	Sweeper      SweepRunner // nil disables POST /api/sweeps
	WebhookToken string      // empty disables webhook auth
	Port         int
	Logger       *zap.SugaredLogger
	Out          io.Writer
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(opts Opts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("server: db is required")
	}
	if opts.Intake == nil || opts.Store == nil || opts.Events == nil {
		return nil, fmt.Errorf("server: intake, store and events are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	registerRoutes(router, opts)
	return router, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "signalbox listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger logs each request once it completes.
func requestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
