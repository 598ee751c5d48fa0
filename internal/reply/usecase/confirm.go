package usecase

import (
	"context"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/repository"
	"replywatch-backend/pkg/taskqueue"

	"github.com/sirupsen/logrus"
)

// confirmer runs the side effects of a newly confirmed reply: stale review items are
// auto-resolved and the reply listener is told through the task queue.
type confirmer struct {
	reviewRepo repository.ReviewRepository
	tasks      TaskEnqueuer
	listener   ReplyListener
}

func (c *confirmer) replyConfirmed(reply *replydomain.Reply) {
	log := logrus.WithFields(logrus.Fields{
		"sentMessageID": reply.SentMessageID,
		"userID":        reply.UserID,
		"detectedBy":    reply.DetectedBy,
	})
	log.Info("[Reply] Reply confirmed")

	if n, err := c.reviewRepo.ResolvePendingForSentMessage(reply.SentMessageID, time.Now()); err != nil {
		log.WithError(err).Error("[Reply] Failed to auto-resolve review items")
	} else if n > 0 {
		log.Infof("[Reply] Auto-resolved %d review item(s)", n)
	}

	if c.listener == nil || c.tasks == nil {
		return
	}
	event := ReplyEvent{
		SentMessageID: reply.SentMessageID,
		ReplyID:       reply.ID,
		UserID:        reply.UserID,
		ContactID:     reply.ContactID,
		DetectedBy:    reply.DetectedBy,
		ReceivedAt:    reply.ReceivedAt,
	}
	err := c.tasks.Enqueue(taskqueue.Task{
		Name:    "reply-listener",
		Key:     "reply:" + reply.ID,
		Timeout: 30 * time.Second,
		Run: func(ctx context.Context) error {
			return c.listener.ReplyConfirmed(ctx, event)
		},
	})
	if err != nil {
		log.WithError(err).Error("[Reply] Failed to enqueue reply listener")
	}
}
