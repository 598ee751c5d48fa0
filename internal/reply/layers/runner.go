package layers

import (
	"context"
	"errors"
	"fmt"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AuditSink receives one row per layer attempt.
type AuditSink interface {
	Append(entries ...*replydomain.DetectionAttempt) error
}

// Runner runs every layer concurrently against one provider session.
type Runner struct {
	layers  []Layer
	audit   AuditSink
	timeout time.Duration
}

func NewRunner(audit AuditSink, timeout time.Duration, layers ...Layer) *Runner {
	return &Runner{layers: layers, audit: audit, timeout: timeout}
}

// Len returns the number of configured layers.
func (r *Runner) Len() int { return len(r.layers) }

// RunAll returns one result per layer in layer order. Layer failures and panics become unhealthy
// results; RunAll itself never fails. Wall time is bounded by the slowest layer.
func (r *Runner) RunAll(ctx context.Context, p mailboxdomain.Provider, opts replydomain.DetectionOptions, attemptID string) []replydomain.LayerResult {
	results := make([]replydomain.LayerResult, len(r.layers))
	rows := make([]*replydomain.DetectionAttempt, len(r.layers))

	var g errgroup.Group
	for i, layer := range r.layers {
		g.Go(func() error {
			var query string
			results[i], query = r.run(ctx, layer, p, opts)
			rows[i] = auditRow(attemptID, opts, results[i], query)
			return nil
		})
	}
	_ = g.Wait()

	if r.audit != nil {
		if err := r.audit.Append(rows...); err != nil {
			logrus.WithField("sentMessageID", opts.SentMessageID).WithError(err).Error("[Layers] Failed to write audit rows")
		}
	}
	return results
}

func (r *Runner) run(ctx context.Context, layer Layer, p mailboxdomain.Provider, opts replydomain.DetectionOptions) (res replydomain.LayerResult, query string) {
	res.Layer = layer.Name()
	start := time.Now()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			res.Found = false
			res.Replies = nil
			res.Healthy = false
			res.Error = fmt.Sprintf("panic: %v", rec)
			logrus.WithField("layer", res.Layer).Errorf("[Layers] Layer panicked: %v", rec)
		}
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	replies, query, err := layer.Detect(ctx, p, opts)
	res.Replies = replies
	res.Found = len(replies) > 0
	res.Healthy = err == nil
	res.SearchMetadata = map[string]string{"query": query}
	if err != nil {
		res.Error = err.Error()
		if !errors.Is(err, ErrSkipped) {
			logrus.WithFields(logrus.Fields{
				"layer":         res.Layer,
				"sentMessageID": opts.SentMessageID,
			}).WithError(err).Warn("[Layers] Layer unhealthy")
		}
	}
	return res, query
}

func auditRow(attemptID string, opts replydomain.DetectionOptions, res replydomain.LayerResult, query string) *replydomain.DetectionAttempt {
	return &replydomain.DetectionAttempt{
		ID:            uuid.New().String(),
		AttemptID:     attemptID,
		SentMessageID: opts.SentMessageID,
		UserID:        opts.UserID,
		Kind:          replydomain.AuditLayer,
		Layer:         res.Layer,
		Query:         query,
		Found:         res.Found,
		Healthy:       res.Healthy,
		ResultCount:   len(res.Replies),
		DurationMs:    res.DurationMs,
		Error:         res.Error,
		CreatedAt:     time.Now(),
	}
}
