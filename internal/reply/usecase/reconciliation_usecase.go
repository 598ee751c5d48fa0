package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ReconciliationConfig sets the scan windows and per-item pacing.
type ReconciliationConfig struct {
	HourlyLookback     time.Duration
	HourlyRecheckAfter time.Duration
	HourlyPacing       time.Duration
	NightlyPacing      time.Duration
	MaxRows            int
}

type reconciliationUsecase struct {
	sentRepo    repository.SentMessageRepository
	anomalyRepo repository.AnomalyRepository
	detector    DetectionUsecase
	cfg         ReconciliationConfig
	now         func() time.Time

	mu      sync.Mutex
	running map[replydomain.ReconciliationMode]bool
}

func NewReconciliationUsecase(
	sentRepo repository.SentMessageRepository,
	anomalyRepo repository.AnomalyRepository,
	detector DetectionUsecase,
	cfg ReconciliationConfig,
) ReconciliationUsecase {
	return &reconciliationUsecase{
		sentRepo:    sentRepo,
		anomalyRepo: anomalyRepo,
		detector:    detector,
		cfg:         cfg,
		now:         time.Now,
		running:     make(map[replydomain.ReconciliationMode]bool),
	}
}

// Run re-checks every candidate in the mode's window through the full detector. Found replies
// are logged as missed_reply; pending outcomes as quorum_failure needing review. Per-item failures
// are counted, not fatal.
func (u *reconciliationUsecase) Run(ctx context.Context, mode replydomain.ReconciliationMode) (*replydomain.ReconciliationRun, error) {
	filter, pacing, err := u.window(mode)
	if err != nil {
		return nil, err
	}
	if !u.begin(mode) {
		return nil, ErrRunInProgress
	}
	defer u.end(mode)

	run := &replydomain.ReconciliationRun{ID: uuid.New().String(), Mode: mode, StartedAt: u.now()}
	if err := u.anomalyRepo.CreateRun(run); err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"mode": mode, "runID": run.ID})

	candidates, err := u.sentRepo.ListUnreplied(filter)
	if err != nil {
		run.LastError = err.Error()
		u.finish(run)
		return run, fmt.Errorf("list unreplied: %w", err)
	}
	log.Infof("[Reconcile] Scanning %d unreplied message(s)", len(candidates))

	limit := rate.Inf
	if pacing > 0 {
		limit = rate.Every(pacing)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, sent := range candidates {
		if err := limiter.Wait(ctx); err != nil {
			run.LastError = err.Error()
			break
		}
		run.Scanned++

		res, err := u.detector.DetectForSentMessage(ctx, sent.ID)
		if err != nil {
			run.Errors++
			run.LastError = err.Error()
			log.WithField("sentMessageID", sent.ID).WithError(err).Warn("[Reconcile] Detection failed")
			continue
		}

		switch {
		case res.Found:
			run.Found++
			u.record(run, sent, replydomain.AnomalyMissedReply, false, res)
		case res.PendingReview:
			u.record(run, sent, replydomain.AnomalyQuorumFailure, true, res)
		}
	}

	u.finish(run)
	log.WithFields(logrus.Fields{
		"scanned":   run.Scanned,
		"found":     run.Found,
		"anomalies": run.Anomalies,
		"errors":    run.Errors,
	}).Info("[Reconcile] Run finished")
	return run, nil
}

func (u *reconciliationUsecase) window(mode replydomain.ReconciliationMode) (repository.UnrepliedFilter, time.Duration, error) {
	now := u.now()
	switch mode {
	case replydomain.ModeHourly:
		return repository.UnrepliedFilter{
			SentAfter:     now.Add(-u.cfg.HourlyLookback),
			CheckedBefore: now.Add(-u.cfg.HourlyRecheckAfter),
			Limit:         u.cfg.MaxRows,
		}, u.cfg.HourlyPacing, nil
	case replydomain.ModeNightly:
		return repository.UnrepliedFilter{Limit: u.cfg.MaxRows}, u.cfg.NightlyPacing, nil
	}
	return repository.UnrepliedFilter{}, 0, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

func (u *reconciliationUsecase) begin(mode replydomain.ReconciliationMode) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running[mode] {
		return false
	}
	u.running[mode] = true
	return true
}

func (u *reconciliationUsecase) end(mode replydomain.ReconciliationMode) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.running, mode)
}

func (u *reconciliationUsecase) record(run *replydomain.ReconciliationRun, sent *replydomain.SentMessage, kind replydomain.AnomalyType, review bool, res *replydomain.ComprehensiveDetectionResult) {
	details := replydomain.Metadata{
		"attempt_id":      res.AttemptID,
		"healthy_layers":  strings.Join(res.Quorum.HealthyLayers, ","),
		"found_layers":    strings.Join(res.Quorum.FoundLayers, ","),
		"failed_layers":   strings.Join(res.Quorum.FailedLayers, ","),
		"requires_reauth": strconv.FormatBool(res.RequiresReauth),
	}
	if res.ReviewItemID != "" {
		details["review_item_id"] = res.ReviewItemID
	}
	if res.Error != "" {
		details["error"] = res.Error
	}

	entry := &replydomain.AnomalyEntry{
		ID:             uuid.New().String(),
		RunID:          run.ID,
		SentMessageID:  sent.ID,
		UserID:         sent.UserID,
		Type:           kind,
		RequiresReview: review,
		Details:        details,
		CreatedAt:      u.now(),
	}
	if err := u.anomalyRepo.Append(entry); err != nil {
		run.Errors++
		run.LastError = err.Error()
		logrus.WithField("sentMessageID", sent.ID).WithError(err).Error("[Reconcile] Failed to append anomaly")
		return
	}
	run.Anomalies++
}

func (u *reconciliationUsecase) finish(run *replydomain.ReconciliationRun) {
	finished := u.now()
	run.FinishedAt = &finished
	if err := u.anomalyRepo.UpdateRun(run); err != nil {
		logrus.WithField("runID", run.ID).WithError(err).Error("[Reconcile] Failed to update run")
	}
}

func (u *reconciliationUsecase) ListRuns(limit int) ([]*replydomain.ReconciliationRun, error) {
	return u.anomalyRepo.ListRuns(limit)
}

func (u *reconciliationUsecase) ListAnomalies(anomalyType replydomain.AnomalyType, limit int) ([]*replydomain.AnomalyEntry, error) {
	return u.anomalyRepo.List(anomalyType, limit)
}
