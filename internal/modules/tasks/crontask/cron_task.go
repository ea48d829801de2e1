package crontask

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	pkgcron "github.com/lingvo-space/core/internal/pkg/cron"
	"github.com/lingvo-space/core/internal/pkg/response"
)

// Handler wraps the scheduler for HTTP access.
type Handler struct {
	sched *pkgcron.Scheduler
}

func NewHandler(sched *pkgcron.Scheduler) *Handler {
	return &Handler{sched: sched}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/cron", authMW)
	g.GET("", h.list)
	g.GET("/:name", h.get)
	g.POST("/:name/run", h.run)
}

// GET /cron — list all jobs
func (h *Handler) list(c *gin.Context) {
	response.OK(c, h.sched.List())
}

// GET /cron/:name — get single job status
func (h *Handler) get(c *gin.Context) {
	result, err := h.sched.GetTask(c.Param("name"))
	if err != nil {
		response.NotFoundMsg(c, "cron job not found")
		return
	}
	response.OK(c, result)
}

// POST /cron/:name/run — trigger a job; ?wait=true blocks until it finishes
func (h *Handler) run(c *gin.Context) {
	name := c.Param("name")
	// the job outlives the request
	ctx := context.WithoutCancel(c.Request.Context())

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		ran, err := h.sched.RunNow(ctx, name)
		if err != nil {
			response.NotFoundMsg(c, "cron job not found")
			return
		}
		result, _ := h.sched.GetTask(name)
		response.OK(c, gin.H{"ran": ran, "result": result})
		return
	}
	if err := h.sched.Run(ctx, name); err != nil {
		response.NotFoundMsg(c, "cron job not found")
		return
	}
	response.OK(c, gin.H{"message": "job triggered"})
}
