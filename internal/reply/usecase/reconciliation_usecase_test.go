package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_NightlyHealsMissedReply(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	// The change feed never surfaced this reply.
	e.mailbox.Deliver(&mailboxdomain.Message{
		ID: "in-1", ThreadID: "th1", From: "c@acme.com", Subject: "Re: Pricing proposal", ReceivedAt: sentAt.Add(time.Hour),
	})

	run, err := e.reconcile.Run(context.Background(), replydomain.ModeNightly)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Scanned)
	assert.Equal(t, 1, run.Found)
	assert.Equal(t, 1, run.Anomalies)
	assert.Zero(t, run.Errors)
	assert.NotNil(t, run.FinishedAt)
	assert.True(t, e.sentMessage(t, sent.ID).ReplyReceived)

	anomalies, err := e.reconcile.ListAnomalies(replydomain.AnomalyMissedReply, 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, sent.ID, anomalies[0].SentMessageID)
	assert.False(t, anomalies[0].RequiresReview)
	assert.Equal(t, run.ID, anomalies[0].RunID)

	run, err = e.reconcile.Run(context.Background(), replydomain.ModeNightly)
	require.NoError(t, err)
	assert.Zero(t, run.Scanned, "replied messages leave the scan set")

	runs, err := e.reconcile.ListRuns(0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestReconcile_HourlyFlagsQuorumFailure(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	e.mailbox.Fail("search", mailboxdomain.ErrTransient)

	run, err := e.reconcile.Run(context.Background(), replydomain.ModeHourly)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Scanned)
	assert.Zero(t, run.Found)
	assert.Equal(t, 1, run.Anomalies)

	anomalies, err := e.reconcile.ListAnomalies(replydomain.AnomalyQuorumFailure, 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.True(t, anomalies[0].RequiresReview)
	assert.NotEmpty(t, anomalies[0].Details["review_item_id"])

	// Just checked: the hourly window skips it until the recheck interval passes.
	run, err = e.reconcile.Run(context.Background(), replydomain.ModeHourly)
	require.NoError(t, err)
	assert.Zero(t, run.Scanned)
	assert.NotNil(t, e.sentMessage(t, sent.ID).LastReplyCheck)
}

func TestReconcile_HourlyIgnoresOldMessages(t *testing.T) {
	e := newEnv(t)
	e.send(t, func(m *replydomain.SentMessage) { m.SentAt = sentAt.Add(-72 * time.Hour) })

	run, err := e.reconcile.Run(context.Background(), replydomain.ModeHourly)
	require.NoError(t, err)
	assert.Zero(t, run.Scanned)
}

func TestReconcile_UnknownMode(t *testing.T) {
	e := newEnv(t)
	_, err := e.reconcile.Run(context.Background(), "weekly")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

// blockingDetector parks every detection until released.
type blockingDetector struct {
	DetectionUsecase
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDetector) DetectForSentMessage(ctx context.Context, id string) (*replydomain.ComprehensiveDetectionResult, error) {
	d.once.Do(func() { close(d.started) })
	<-d.release
	return &replydomain.ComprehensiveDetectionResult{SentMessageID: id}, nil
}

func TestReconcile_RejectsOverlappingRunOfSameMode(t *testing.T) {
	e := newEnv(t)
	e.send(t, nil)
	det := &blockingDetector{started: make(chan struct{}), release: make(chan struct{})}
	uc := NewReconciliationUsecase(e.sentRepo, e.anomalyRepo, det, ReconciliationConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := uc.Run(context.Background(), replydomain.ModeNightly)
		done <- err
	}()
	<-det.started

	_, err := uc.Run(context.Background(), replydomain.ModeNightly)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(det.release)
	require.NoError(t, <-done)

	run, err := uc.Run(context.Background(), replydomain.ModeNightly)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Scanned)
}
