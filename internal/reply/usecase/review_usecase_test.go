package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) queue(t *testing.T, sent *replydomain.SentMessage, candidate *replydomain.CandidateReply) *replydomain.ManualReviewItem {
	t.Helper()
	item := &replydomain.ManualReviewItem{
		SentMessageID: sent.ID,
		ContactID:     sent.ContactID,
		UserID:        sent.UserID,
		Reason:        replydomain.ReviewReasonQuorumFailure,
		HealthyLayers: []string{replydomain.LayerThread},
		FailedLayers:  []string{replydomain.LayerDomain},
		Candidate:     candidate,
	}
	require.NoError(t, e.reviews.AddToReviewQueue(item))
	require.NotEmpty(t, item.ID)
	return item
}

func TestReview_AcceptWithCandidate(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	item := e.queue(t, sent, &replydomain.CandidateReply{
		ProviderMessageID: "cand-1",
		FromAddress:       "c@acme.com",
		Subject:           "Re: Pricing proposal",
		ReceivedAt:        sentAt.Add(time.Hour),
		Layer:             replydomain.LayerSubject,
	})

	got, err := e.reviews.Accept(context.Background(), item.ID, "ops@corp.com", "looks right")
	require.NoError(t, err)
	assert.Equal(t, replydomain.ReviewAccepted, got.Status)
	assert.Equal(t, "ops@corp.com", got.ReviewedBy)
	assert.Equal(t, "looks right", got.Notes)
	assert.NotNil(t, got.ResolvedAt)

	replies, err := e.replyRepo.ListBySentMessage(sent.ID)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "manual_review", replies[0].DetectedBy)
	assert.Equal(t, item.ID, replies[0].Metadata["review_id"])
	assert.True(t, e.sentMessage(t, sent.ID).ReplyReceived)
	assert.Equal(t, 1, e.listener.count())

	_, err = e.reviews.Accept(context.Background(), item.ID, "other@corp.com", "")
	assert.ErrorIs(t, err, replydomain.ErrReviewNotPending)
	_, err = e.reviews.Reject(item.ID, "other@corp.com", "")
	assert.ErrorIs(t, err, replydomain.ErrReviewNotPending)
}

func TestReview_AcceptWithoutCandidateFlagsMessage(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	item := e.queue(t, sent, nil)

	_, err := e.reviews.Accept(context.Background(), item.ID, "ops@corp.com", "replied by phone")
	require.NoError(t, err)

	assert.True(t, e.sentMessage(t, sent.ID).ReplyReceived)
	replies, err := e.replyRepo.ListBySentMessage(sent.ID)
	require.NoError(t, err)
	assert.Empty(t, replies)
	assert.Zero(t, e.listener.count())
}

type flakyReplies struct {
	repository.ReplyRepository
	fail bool
}

func (f *flakyReplies) SaveReply(reply *replydomain.Reply) (bool, error) {
	if f.fail {
		return false, errors.New("database is locked")
	}
	return f.ReplyRepository.SaveReply(reply)
}

func TestReview_AcceptStoreFailureKeepsItemPending(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	item := e.queue(t, sent, &replydomain.CandidateReply{ProviderMessageID: "cand-1", FromAddress: "c@acme.com"})

	replies := &flakyReplies{ReplyRepository: e.replyRepo, fail: true}
	reviews := NewReviewUsecase(e.reviewRepo, replies, e.sentRepo, &inlineTasks{}, e.listener)

	_, err := reviews.Accept(context.Background(), item.ID, "ops@corp.com", "")
	require.Error(t, err)
	got, err := e.reviewRepo.FindByID(item.ID)
	require.NoError(t, err)
	assert.Equal(t, replydomain.ReviewPending, got.Status)
	assert.False(t, e.sentMessage(t, sent.ID).ReplyReceived)

	replies.fail = false
	got, err = reviews.Accept(context.Background(), item.ID, "ops@corp.com", "retry")
	require.NoError(t, err)
	assert.Equal(t, replydomain.ReviewAccepted, got.Status)
	assert.True(t, e.sentMessage(t, sent.ID).ReplyReceived)
	assert.Equal(t, 1, e.listener.count())
}

func TestReview_QueueFoldsRepeatsIntoPendingItem(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	first := e.queue(t, sent, &replydomain.CandidateReply{ProviderMessageID: "cand-1", FromAddress: "c@acme.com"})
	second := e.queue(t, sent, nil)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	got, err := e.reviewRepo.FindByID(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.Candidate, "an earlier candidate survives a refresh without one")
	assert.Equal(t, "cand-1", got.Candidate.ProviderMessageID)

	pending, err := e.reviews.List(replydomain.ReviewPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReview_Reject(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	item := e.queue(t, sent, &replydomain.CandidateReply{ProviderMessageID: "cand-1", FromAddress: "c@acme.com"})

	got, err := e.reviews.Reject(item.ID, "ops@corp.com", "newsletter")
	require.NoError(t, err)
	assert.Equal(t, replydomain.ReviewRejected, got.Status)
	assert.False(t, e.sentMessage(t, sent.ID).ReplyReceived)

	pending, err := e.reviews.List(replydomain.ReviewPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReview_UnknownItem(t *testing.T) {
	e := newEnv(t)
	_, err := e.reviews.Accept(context.Background(), "missing", "ops@corp.com", "")
	assert.ErrorIs(t, err, replydomain.ErrReviewNotFound)
	_, err = e.reviews.Reject("missing", "ops@corp.com", "")
	assert.ErrorIs(t, err, replydomain.ErrReviewNotFound)
}

func TestReview_AutoResolveOnlyTouchesPending(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	rejected := e.queue(t, sent, nil)
	_, err := e.reviews.Reject(rejected.ID, "ops@corp.com", "")
	require.NoError(t, err)
	open := e.queue(t, sent, nil)

	n, err := e.reviews.AutoResolve(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := e.reviewRepo.FindByID(open.ID)
	require.NoError(t, err)
	assert.Equal(t, replydomain.ReviewAutoResolved, got.Status)
	got, err = e.reviewRepo.FindByID(rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, replydomain.ReviewRejected, got.Status)
}

func TestAliases_LearnNormalizesAndInvalidates(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.aliases.Learn(e.contact.ID, " Carla <C.Diaz@Acme.com> "))
	require.NoError(t, e.aliases.Learn(e.contact.ID, "c.diaz@acme.com"))

	got, err := e.aliases.ActiveFor(e.contact.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.diaz@acme.com"}, got)

	ids, err := e.aliases.ContactsFor("C.DIAZ@acme.com")
	require.NoError(t, err)
	assert.Equal(t, []string{e.contact.ID}, ids)

	require.NoError(t, e.aliases.Invalidate(e.contact.ID, "c.diaz@acme.com"))
	got, err = e.aliases.ActiveFor(e.contact.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
