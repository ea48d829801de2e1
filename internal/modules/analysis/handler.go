package analysis

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/pagination"
	"github.com/lingvo-space/core/internal/pkg/response"
	"go.uber.org/zap"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	rg.POST("/lessons/:id/analysis", authMW, h.generate)
	rg.GET("/lessons/:id/analysis", authMW, h.view)
	rg.GET("/analyses", authMW, h.list)
	rg.POST("/analyses/:id/retry", authMW, h.retry)
	rg.GET("/analysis/stats", authMW, h.stats)
}

// POST /lessons/:id/analysis — queue analysis; ?wait=true runs it inline
func (h *Handler) generate(c *gin.Context) {
	// a disconnecting client must not strand the row in processing
	ctx := context.WithoutCancel(c.Request.Context())
	lessonID := c.Param("id")

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		a, err := h.svc.Trigger(ctx, lessonID)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Accepted(c, a)
		return
	}

	a, err := h.svc.Ensure(ctx, lessonID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.svc.claimable(a) {
		// the outcome is recorded on the row
		if err := h.svc.Process(ctx, a.ID); err != nil && !errors.Is(err, ErrNotClaimed) {
			h.svc.logger.Debug("inline analysis failed", zap.String("analysisId", a.ID), zap.Error(err))
		}
	}
	if a, err = h.svc.Get(ctx, a.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, a)
}

// GET /lessons/:id/analysis — end-user view of the lesson's analysis
func (h *Handler) view(c *gin.Context) {
	v, err := h.svc.ForLesson(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, v)
}

// GET /analyses?status=&studentId=&tutorId=&retryable=&page=&size=
func (h *Handler) list(c *gin.Context) {
	f := ListFilter{
		Status:    models.AnalysisStatus(c.Query("status")),
		StudentID: c.Query("studentId"),
		TutorID:   c.Query("tutorId"),
	}
	if raw := c.Query("retryable"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			response.BadRequest(c, "retryable must be a boolean")
			return
		}
		f.Retryable = &v
	}
	items, page, err := h.svc.List(c.Request.Context(), f, pagination.FromContext(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, items, page)
}

// POST /analyses/:id/retry — operator retry of a single analysis
func (h *Handler) retry(c *gin.Context) {
	a, err := h.svc.Retry(context.WithoutCancel(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, a)
}

// GET /analysis/stats
func (h *Handler) stats(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, st)
}
