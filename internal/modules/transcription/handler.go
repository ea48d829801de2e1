package transcription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/modules/transcript"
	"github.com/lingvo-space/core/internal/pkg/pagination"
	"github.com/lingvo-space/core/internal/pkg/response"
)

// maxChunkBytes bounds one uploaded audio chunk.
const maxChunkBytes = 32 << 20

// AnalysisTrigger queues analysis once a transcript is closed.
type AnalysisTrigger interface {
	Trigger(ctx context.Context, lessonID string) (*models.Analysis, error)
}

// CallTracker records the actual start of the live call.
type CallTracker interface {
	MarkCallStarted(ctx context.Context, lessonID string, at time.Time) (bool, error)
}

type Handler struct {
	transcripts *transcript.Service
	engine      *Engine
	analyses    AnalysisTrigger
	calls       CallTracker
}

func NewHandler(transcripts *transcript.Service, engine *Engine, analyses AnalysisTrigger, calls CallTracker) *Handler {
	return &Handler{transcripts: transcripts, engine: engine, analyses: analyses, calls: calls}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/transcripts", authMW)
	g.GET("", h.list)
	g.POST("", h.start)
	g.GET("/:id", h.get)
	g.POST("/:id/chunks", h.ingest)
	g.POST("/:id/close", h.close)
	g.POST("/:id/retry", h.retry)

	rg.GET("/transcription/stats", authMW, h.stats)
}

type startRequest struct {
	LessonID  string    `json:"lessonId" binding:"required"`
	StudentID string    `json:"studentId" binding:"required"`
	TutorID   string    `json:"tutorId" binding:"required"`
	Language  string    `json:"language"`
	StartTime time.Time `json:"startTime"`
}

// POST /transcripts — open a recording transcript for a lesson
func (h *Handler) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	t, err := h.transcripts.Start(ctx, transcript.StartParams{
		LessonID:  req.LessonID,
		StudentID: req.StudentID,
		TutorID:   req.TutorID,
		Language:  req.Language,
		StartTime: req.StartTime,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.calls != nil {
		// lesson rows may live outside this database; a miss is not fatal
		_, _ = h.calls.MarkCallStarted(ctx, t.LessonID, t.StartTime)
	}
	response.Created(c, t)
}

// GET /transcripts?status=&lessonId=&studentId=&tutorId=&page=&size=
func (h *Handler) list(c *gin.Context) {
	items, page, err := h.transcripts.List(c.Request.Context(), transcript.ListFilter{
		Status:    models.TranscriptStatus(c.Query("status")),
		LessonID:  c.Query("lessonId"),
		StudentID: c.Query("studentId"),
		TutorID:   c.Query("tutorId"),
	}, pagination.FromContext(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, items, page)
}

// GET /transcripts/:id — transcript with its segments
func (h *Handler) get(c *gin.Context) {
	t, err := h.transcripts.GetWithSegments(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, t)
}

// POST /transcripts/:id/chunks — upload one audio chunk (multipart "audio")
func (h *Handler) ingest(c *gin.Context) {
	index, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil || index < 0 {
		response.BadRequest(c, "chunkIndex must be a non-negative integer")
		return
	}
	var offset int64
	if raw := c.PostForm("offsetMs"); raw != "" {
		if offset, err = strconv.ParseInt(raw, 10, 64); err != nil {
			response.BadRequest(c, "offsetMs must be an integer")
			return
		}
	}
	fh, err := c.FormFile("audio")
	if err != nil {
		response.BadRequest(c, "audio file is required")
		return
	}
	if fh.Size > maxChunkBytes {
		response.BadRequest(c, fmt.Sprintf("audio chunk exceeds %d bytes", maxChunkBytes))
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.InternalError(c, err)
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(io.LimitReader(f, maxChunkBytes))
	if err != nil {
		response.InternalError(c, err)
		return
	}

	mime := fh.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(audio)
	}
	res, err := h.engine.Ingest(c.Request.Context(), c.Param("id"), IngestParams{
		ChunkIndex: index,
		Speaker:    models.Speaker(c.PostForm("speaker")),
		OffsetMs:   offset,
		Audio:      audio,
		MimeType:   mime,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// POST /transcripts/:id/close — stop recording and queue analysis
func (h *Handler) close(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.transcripts.MarkProcessing(ctx, id); err != nil {
		response.Error(c, err)
		return
	}
	t, err := h.transcripts.Get(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	a, err := h.analyses.Trigger(ctx, t.LessonID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"transcript": t, "analysis": a})
}

// POST /transcripts/:id/retry — retry the transcript's failed chunks now
func (h *Handler) retry(c *gin.Context) {
	res, err := h.engine.RetryTranscript(context.WithoutCancel(c.Request.Context()), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// GET /transcription/stats
func (h *Handler) stats(c *gin.Context) {
	st, err := h.transcripts.ChunkStats(c.Request.Context(), h.engine.now())
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, st)
}
