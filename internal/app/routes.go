package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/modules/analysis"
	"github.com/lingvo-space/core/internal/modules/audiostore"
	"github.com/lingvo-space/core/internal/modules/tasks/crontask"
	"github.com/lingvo-space/core/internal/modules/transcription"
	"github.com/lingvo-space/core/internal/pkg/response"
)

func (a *App) registerRoutes() {
	r := a.router
	// authentication is enforced by the gateway in front of this service
	authMW := func(c *gin.Context) { c.Next() }

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	root := r.Group("")
	root.GET("/health", a.health)
	root.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"data": "pong"}) })

	crontask.NewHandler(a.sched).RegisterRoutes(root, authMW)
	transcription.NewHandler(a.transcripts, a.engine, a.analyses, a.lessons).RegisterRoutes(root, authMW)
	analysis.NewHandler(a.analyses).RegisterRoutes(root, authMW)
	audiostore.NewHandler(a.audio).RegisterRoutes(root, authMW)
}

// GET /health — database and redis reachability plus uptime
func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if sqlDB, err := a.db.DB(); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	switch {
	case a.rc == nil:
		checks["redis"] = "disabled"
	case a.rc.Ping(ctx) != nil:
		// presence is best-effort; the pipeline keeps running without it
		checks["redis"] = "unreachable"
	default:
		checks["redis"] = "ok"
	}

	uptime := time.Since(processStart)
	c.JSON(status, gin.H{
		"ok":       status == http.StatusOK,
		"checks":   checks,
		"uptime":   uptime.Milliseconds(),
		"humanize": humanizeDuration(uptime),
	})
}
