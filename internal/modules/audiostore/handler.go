package audiostore

import (
	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/pkg/response"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	rg.GET("/audio/stats", authMW, h.stats)
	rg.DELETE("/lessons/:id/audio", authMW, h.deleteLesson)
}

// GET /audio/stats
func (h *Handler) stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, st)
}

// DELETE /lessons/:id/audio — remove every stored chunk of a lesson
func (h *Handler) deleteLesson(c *gin.Context) {
	lessonID := c.Param("id")
	if _, err := LessonPrefix(lessonID); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	n, err := h.store.DeleteAllForLesson(c.Request.Context(), lessonID)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"deleted": n})
}
