package usecase

import (
	"context"
	"fmt"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type reviewUsecase struct {
	reviewRepo repository.ReviewRepository
	replyRepo  repository.ReplyRepository
	sentRepo   repository.SentMessageRepository
	confirm    *confirmer
	now        func() time.Time
}

func NewReviewUsecase(
	reviewRepo repository.ReviewRepository,
	replyRepo repository.ReplyRepository,
	sentRepo repository.SentMessageRepository,
	tasks TaskEnqueuer,
	listener ReplyListener,
) ReviewUsecase {
	return &reviewUsecase{
		reviewRepo: reviewRepo,
		replyRepo:  replyRepo,
		sentRepo:   sentRepo,
		confirm:    &confirmer{reviewRepo: reviewRepo, tasks: tasks, listener: listener},
		now:        time.Now,
	}
}

// AddToReviewQueue queues item, or folds it into the sent message's open item. On return item.ID
// and item.Attempts describe the stored row.
func (u *reviewUsecase) AddToReviewQueue(item *replydomain.ManualReviewItem) error {
	existing, err := u.reviewRepo.FindPendingForSentMessage(item.SentMessageID)
	if err != nil {
		return err
	}
	if existing != nil {
		item.ID = existing.ID
		item.Status = replydomain.ReviewPending
		item.Attempts = existing.Attempts + 1
		if item.Candidate == nil {
			item.Candidate = existing.Candidate
		}
		ok, err := u.reviewRepo.Refresh(item)
		if err != nil {
			return err
		}
		if ok {
			logrus.WithFields(logrus.Fields{
				"sentMessageID": item.SentMessageID,
				"reviewID":      item.ID,
				"attempts":      item.Attempts,
			}).Info("[Review] Pending item refreshed")
			return nil
		}
		// Resolved in the meantime: queue a fresh item.
	}

	item.ID = uuid.New().String()
	item.Status = replydomain.ReviewPending
	item.Attempts = 1
	if err := u.reviewRepo.Create(item); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"sentMessageID": item.SentMessageID,
		"reviewID":      item.ID,
		"reason":        item.Reason,
	}).Info("[Review] Item queued for manual review")
	return nil
}

func (u *reviewUsecase) List(status replydomain.ReviewStatus, limit int) ([]*replydomain.ManualReviewItem, error) {
	return u.reviewRepo.List(status, limit)
}

// Accept confirms the reply: the candidate is persisted when present, otherwise the sent message is
// just flagged as replied. Both writes are idempotent and happen before the item leaves pending, so
// a failed write leaves the item open for a retry.
func (u *reviewUsecase) Accept(ctx context.Context, id, reviewer, notes string) (*replydomain.ManualReviewItem, error) {
	item, err := u.pending(id)
	if err != nil {
		return nil, err
	}

	var confirmed *replydomain.Reply
	if c := item.Candidate; c != nil && c.ProviderMessageID != "" {
		reply := &replydomain.Reply{
			SentMessageID:     item.SentMessageID,
			UserID:            item.UserID,
			ContactID:         item.ContactID,
			ProviderMessageID: c.ProviderMessageID,
			ThreadID:          c.ThreadID,
			FromAddress:       c.FromAddress,
			Subject:           c.Subject,
			Body:              c.Body,
			ReceivedAt:        c.ReceivedAt,
			DetectedBy:        "manual_review",
			Metadata:          replydomain.Metadata{"review_id": item.ID, "layer": c.Layer, "reviewer": reviewer},
		}
		created, err := u.replyRepo.SaveReply(reply)
		if err != nil {
			return nil, fmt.Errorf("persist accepted reply: %w", err)
		}
		if created {
			confirmed = reply
		}
	} else if err := u.sentRepo.MarkReplyReceived(item.SentMessageID); err != nil {
		return nil, fmt.Errorf("mark sent message replied: %w", err)
	}

	if _, err := u.resolve(id, replydomain.ReviewAccepted, reviewer, notes); err != nil {
		return nil, err
	}
	// After resolve, so auto-resolution does not claim this item first.
	if confirmed != nil {
		u.confirm.replyConfirmed(confirmed)
	}
	return u.reviewRepo.FindByID(id)
}

func (u *reviewUsecase) Reject(id, reviewer, notes string) (*replydomain.ManualReviewItem, error) {
	if _, err := u.resolve(id, replydomain.ReviewRejected, reviewer, notes); err != nil {
		return nil, err
	}
	return u.reviewRepo.FindByID(id)
}

func (u *reviewUsecase) AutoResolve(sentMessageID string) (int64, error) {
	return u.reviewRepo.ResolvePendingForSentMessage(sentMessageID, u.now())
}

// resolve moves a pending item to status. The compare-and-set in the repository makes concurrent
// reviewers race safely: exactly one wins, the rest get ErrReviewNotPending.
func (u *reviewUsecase) resolve(id string, status replydomain.ReviewStatus, reviewer, notes string) (*replydomain.ManualReviewItem, error) {
	item, err := u.pending(id)
	if err != nil {
		return nil, err
	}

	ok, err := u.reviewRepo.Resolve(id, status, reviewer, notes, u.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, replydomain.ErrReviewNotPending
	}

	logrus.WithFields(logrus.Fields{
		"reviewID": id,
		"status":   status,
		"reviewer": reviewer,
	}).Info("[Review] Item resolved")
	return item, nil
}

func (u *reviewUsecase) pending(id string) (*replydomain.ManualReviewItem, error) {
	item, err := u.reviewRepo.FindByID(id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, replydomain.ErrReviewNotFound
	}
	if item.Status != replydomain.ReviewPending {
		return nil, replydomain.ErrReviewNotPending
	}
	return item, nil
}
