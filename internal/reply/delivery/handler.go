package delivery

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/scheduler"
	"replywatch-backend/internal/reply/usecase"
	"replywatch-backend/pkg/taskqueue"

	"github.com/gin-gonic/gin"
)

// ModeReader exposes the push/poll table.
type ModeReader interface {
	Snapshot() map[string]scheduler.ModeState
}

// Tasks runs force-run requests in the background.
type Tasks interface {
	Enqueue(task taskqueue.Task) error
	Stats() taskqueue.Stats
}

type ReplyHandler struct {
	detectionUsecase      usecase.DetectionUsecase
	reviewUsecase         usecase.ReviewUsecase
	reconciliationUsecase usecase.ReconciliationUsecase
	syncUsecase           usecase.SyncUsecase
	aliasUsecase          usecase.AliasUsecase
	modes                 ModeReader
	tasks                 Tasks
	sweepConcurrency      int
}

func NewReplyHandler(
	detectionUsecase usecase.DetectionUsecase,
	reviewUsecase usecase.ReviewUsecase,
	reconciliationUsecase usecase.ReconciliationUsecase,
	syncUsecase usecase.SyncUsecase,
	aliasUsecase usecase.AliasUsecase,
	modes ModeReader,
	tasks Tasks,
	sweepConcurrency int,
) *ReplyHandler {
	return &ReplyHandler{
		detectionUsecase:      detectionUsecase,
		reviewUsecase:         reviewUsecase,
		reconciliationUsecase: reconciliationUsecase,
		syncUsecase:           syncUsecase,
		aliasUsecase:          aliasUsecase,
		modes:                 modes,
		tasks:                 tasks,
		sweepConcurrency:      sweepConcurrency,
	}
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func queryLimit(c *gin.Context, def int) int {
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func (h *ReplyHandler) ListReview(c *gin.Context) {
	status := replydomain.ReviewStatus(c.DefaultQuery("status", string(replydomain.ReviewPending)))
	items, err := h.reviewUsecase.List(status, queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *ReplyHandler) AcceptReview(c *gin.Context) {
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)

	item, err := h.reviewUsecase.Accept(c.Request.Context(), c.Param("id"), c.GetString("admin"), req.Notes)
	if err != nil {
		reviewError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

func (h *ReplyHandler) RejectReview(c *gin.Context) {
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)

	item, err := h.reviewUsecase.Reject(c.Param("id"), c.GetString("admin"), req.Notes)
	if err != nil {
		reviewError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

func reviewError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, replydomain.ErrReviewNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, replydomain.ErrReviewNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *ReplyHandler) ListRuns(c *gin.Context) {
	runs, err := h.reconciliationUsecase.ListRuns(queryLimit(c, 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// RunReconciliation queues a reconciliation pass and returns immediately.
func (h *ReplyHandler) RunReconciliation(c *gin.Context) {
	mode := replydomain.ReconciliationMode(c.Query("mode"))
	if mode != replydomain.ModeHourly && mode != replydomain.ModeNightly {
		c.JSON(http.StatusBadRequest, gin.H{"error": usecase.ErrUnknownMode.Error()})
		return
	}

	err := h.tasks.Enqueue(taskqueue.Task{
		Name: "reconcile-" + string(mode),
		Key:  "reconcile:" + string(mode),
		Run: func(ctx context.Context) error {
			_, err := h.reconciliationUsecase.Run(ctx, mode)
			if errors.Is(err, usecase.ErrRunInProgress) {
				return nil
			}
			return err
		},
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "reconciliation queued", "mode": mode})
}

func (h *ReplyHandler) ListAnomalies(c *gin.Context) {
	entries, err := h.reconciliationUsecase.ListAnomalies(replydomain.AnomalyType(c.Query("type")), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"anomalies": entries})
}

func (h *ReplyHandler) ListAttempts(c *gin.Context) {
	attempts, err := h.detectionUsecase.ListAttempts(c.Param("id"), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// Detect runs every layer for one sent message and returns the verdict.
func (h *ReplyHandler) Detect(c *gin.Context) {
	result, err := h.detectionUsecase.DetectForSentMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrSentMessageNotFound), errors.Is(err, usecase.ErrContactNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *ReplyHandler) ListAliases(c *gin.Context) {
	aliases, err := h.aliasUsecase.ActiveFor(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"aliases": aliases})
}

// RevokeAlias stops an address from matching the contact. It is never learned again.
func (h *ReplyHandler) RevokeAlias(c *gin.Context) {
	if err := h.aliasUsecase.Invalidate(c.Param("id"), c.Param("address")); err != nil {
		if errors.Is(err, replydomain.ErrAliasNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "alias revoked"})
}

// Sweep queues a sync of one user, or of everyone when user_id is absent.
func (h *ReplyHandler) Sweep(c *gin.Context) {
	userID := c.Query("user_id")
	task := taskqueue.Task{
		Name:    "sweep",
		Key:     "sweep",
		Timeout: 30 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := h.syncUsecase.SweepAll(ctx, h.sweepConcurrency)
			return err
		},
	}
	if userID != "" {
		task = taskqueue.Task{
			Name:    "manual-sync",
			Key:     "sync:" + userID,
			Timeout: 2 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := h.syncUsecase.SyncUser(ctx, userID)
				return err
			},
		}
	}

	if err := h.tasks.Enqueue(task); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "sync queued", "user_id": userID})
}

// SyncStatus reports checkpoints, push/poll modes and queue counters.
func (h *ReplyHandler) SyncStatus(c *gin.Context) {
	checkpoints, err := h.syncUsecase.Checkpoints()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkpoints": checkpoints,
		"modes":       h.modes.Snapshot(),
		"tasks":       h.tasks.Stats(),
	})
}
