package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/mimic/internal/runs"
	"github.com/zulandar/mimic/internal/training"
	"gorm.io/gorm"
)

// defaultLimit caps list endpoints when no ?limit= is given.
const defaultLimit = 50

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.DB))

	api := router.Group("/api")
	api.GET("/runs", handleRuns(opts.DB))
	api.GET("/runs/:id", handleRun(opts.DB))
	api.GET("/runs/:id/examples", handleExamples(opts.DB))
	api.GET("/jobs", handleJobs(opts.DB))

	if opts.Live != nil {
		api.GET("/live/context", handleLiveContext(opts.Live, opts.Target))
		api.GET("/live/stream", handleLiveStream(opts.Live, opts.Target, opts.StreamInterval))
	}
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleRuns(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			return
		}
		rows, err := runs.List(db, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]RunView, len(rows))
		for i := range rows {
			v, err := runView(&rows[i])
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out[i] = v
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleRun(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := runs.Get(db, c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		v, err := runView(run)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func handleExamples(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, err := runs.Get(db, id); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		rows, err := runs.Examples(db, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if c.Query("flagged") == "true" {
			kept := rows[:0]
			for _, r := range rows {
				if r.Flagged {
					kept = append(kept, r)
				}
			}
			rows = kept
		}
		out, err := exampleViews(rows)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleJobs(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			return
		}
		jobs, err := training.ListJobs(db, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]JobView, len(jobs))
		for i := range jobs {
			out[i] = jobView(&jobs[i])
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleLiveContext(live LiveSource, target string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, ok, err := live.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, liveView(ctx, ok, target))
	}
}

// parseLimit reads ?limit=, writing a 400 response when it is malformed.
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func statusFor(err error) int {
	if errors.Is(err, runs.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
