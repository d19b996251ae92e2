// Package dashboard serves a read-only JSON API over stored build runs,
// fine-tuning jobs and the live bot's open context.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/mimic/internal/segment"
	"gorm.io/gorm"
)

// LiveSource exposes the open context of a running bot.
type LiveSource interface {
	Snapshot(ctx context.Context) (segment.Context, bool, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	DB     *gorm.DB
	Port   int
	Out    io.Writer
	Live   LiveSource // optional; enables the /api/live endpoints
	Target string     // identity rendered as the assistant in live views
	// StreamInterval is how often /api/live/stream polls the bot.
	StreamInterval time.Duration
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("dashboard: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(opts)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with every route registered.
func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 2 * time.Second
	}
	registerRoutes(router, opts)
	return router
}
