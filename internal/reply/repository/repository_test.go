package repository

import (
	"testing"
	"time"

	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestRecordProcessed_Idempotent(t *testing.T) {
	db := newDB(t)
	sent := NewSentMessageRepository(db)
	replies := NewReplyRepository(db)

	msg := &replydomain.SentMessage{UserID: "u1", ContactID: "c1", Subject: "Hi", SentAt: time.Now().Add(-time.Hour)}
	require.NoError(t, sent.Create(msg))

	for i := 0; i < 3; i++ {
		outcome, err := replies.RecordProcessed(
			&replydomain.ProcessedMessage{UserID: "u1", ProviderMessageID: "m1", MatchOutcome: replydomain.MatchMatched},
			&replydomain.Reply{SentMessageID: msg.ID, UserID: "u1", ProviderMessageID: "m1", ReceivedAt: time.Now()},
		)
		require.NoError(t, err)
		if i == 0 {
			assert.False(t, outcome.Duplicate)
			assert.True(t, outcome.ReplyCreated)
		} else {
			assert.True(t, outcome.Duplicate)
			assert.False(t, outcome.ReplyCreated)
		}
	}

	var replyCount, processedCount int64
	db.Model(&replydomain.Reply{}).Count(&replyCount)
	db.Model(&replydomain.ProcessedMessage{}).Count(&processedCount)
	assert.EqualValues(t, 1, replyCount)
	assert.EqualValues(t, 1, processedCount)

	got, err := sent.FindByID(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.ReplyReceived)

	processed, err := replies.IsProcessed("u1", "m1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestSaveReply_ExistingProviderIDStillSetsFlag(t *testing.T) {
	db := newDB(t)
	sent := NewSentMessageRepository(db)
	replies := NewReplyRepository(db)

	a := &replydomain.SentMessage{UserID: "u1", ContactID: "c1", SentAt: time.Now()}
	require.NoError(t, sent.Create(a))

	created, err := replies.SaveReply(&replydomain.Reply{SentMessageID: a.ID, UserID: "u1", ProviderMessageID: "m9"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = replies.SaveReply(&replydomain.Reply{SentMessageID: a.ID, UserID: "u1", ProviderMessageID: "m9"})
	require.NoError(t, err)
	assert.False(t, created)

	list, err := replies.ListBySentMessage(a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecordProcessed_SameProviderIDAcrossUsers(t *testing.T) {
	db := newDB(t)
	sent := NewSentMessageRepository(db)
	replies := NewReplyRepository(db)

	a := &replydomain.SentMessage{UserID: "uA", ContactID: "c1", SentAt: time.Now().Add(-time.Hour)}
	b := &replydomain.SentMessage{UserID: "uB", ContactID: "c2", SentAt: time.Now().Add(-time.Hour)}
	require.NoError(t, sent.Create(a))
	require.NoError(t, sent.Create(b))

	for _, msg := range []*replydomain.SentMessage{a, b} {
		outcome, err := replies.RecordProcessed(
			&replydomain.ProcessedMessage{UserID: msg.UserID, ProviderMessageID: "7:42", MatchOutcome: replydomain.MatchMatched},
			&replydomain.Reply{SentMessageID: msg.ID, UserID: msg.UserID, ProviderMessageID: "7:42", ReceivedAt: time.Now()},
		)
		require.NoError(t, err)
		assert.False(t, outcome.Duplicate, msg.UserID)
		assert.True(t, outcome.ReplyCreated, msg.UserID)
	}

	list, err := replies.ListBySentMessage(b.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "uB", list[0].UserID)
}

func TestListUnreplied_Filter(t *testing.T) {
	db := newDB(t)
	sent := NewSentMessageRepository(db)
	now := time.Now()
	recentCheck := now.Add(-10 * time.Minute)

	old := &replydomain.SentMessage{UserID: "u1", ContactID: "c", SentAt: now.Add(-48 * time.Hour)}
	fresh := &replydomain.SentMessage{UserID: "u1", ContactID: "c", SentAt: now.Add(-2 * time.Hour)}
	checked := &replydomain.SentMessage{UserID: "u1", ContactID: "c", SentAt: now.Add(-3 * time.Hour), LastReplyCheck: &recentCheck}
	replied := &replydomain.SentMessage{UserID: "u1", ContactID: "c", SentAt: now.Add(-time.Hour), ReplyReceived: true}
	for _, m := range []*replydomain.SentMessage{old, fresh, checked, replied} {
		require.NoError(t, sent.Create(m))
	}

	hourly, err := sent.ListUnreplied(UnrepliedFilter{SentAfter: now.Add(-24 * time.Hour), CheckedBefore: now.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.Equal(t, fresh.ID, hourly[0].ID)

	nightly, err := sent.ListUnreplied(UnrepliedFilter{})
	require.NoError(t, err)
	assert.Len(t, nightly, 3)
}

func TestReviewResolve_OnlyFromPending(t *testing.T) {
	db := newDB(t)
	reviews := NewReviewRepository(db)

	item := &replydomain.ManualReviewItem{SentMessageID: "s1", Reason: replydomain.ReviewReasonQuorumFailure}
	require.NoError(t, reviews.Create(item))

	ok, err := reviews.Resolve(item.ID, replydomain.ReviewRejected, "alice", "spam", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reviews.Resolve(item.ID, replydomain.ReviewAccepted, "bob", "", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := reviews.ResolvePendingForSentMessage("s1", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := reviews.FindByID(item.ID)
	require.NoError(t, err)
	assert.Equal(t, replydomain.ReviewRejected, got.Status)
	assert.Equal(t, "alice", got.ReviewedBy)
}

func TestAliasUpsertAndRevoke(t *testing.T) {
	db := newDB(t)
	aliases := NewAliasRepository(db)
	first := time.Now().Add(-time.Hour)

	require.NoError(t, aliases.Upsert(&replydomain.Alias{ContactID: "c1", Address: "c+work@acme.com", LastSeenAt: first}))
	require.NoError(t, aliases.Upsert(&replydomain.Alias{ContactID: "c1", Address: "c+work@acme.com", LastSeenAt: time.Now()}))

	list, err := aliases.ListForContact("c1", time.Time{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].LastSeenAt.After(first))

	ids, err := aliases.ContactIDsForAddress("c+work@acme.com", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	ok, err := aliases.Revoke("c1", "c+work@acme.com")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = aliases.Revoke("c1", "nobody@acme.com")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, aliases.Upsert(&replydomain.Alias{ContactID: "c1", Address: "c+work@acme.com", LastSeenAt: time.Now()}))

	list, err = aliases.ListForContact("c1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCheckpointUpsert(t *testing.T) {
	db := newDB(t)
	cps := NewCheckpointRepository(db)

	require.NoError(t, cps.Save(&replydomain.SyncCheckpoint{UserID: "u1", Provider: "gmail", Cursor: "10", Status: replydomain.SyncStatusActive}))
	require.NoError(t, cps.Save(&replydomain.SyncCheckpoint{UserID: "u1", Provider: "gmail", Cursor: "20", Status: replydomain.SyncStatusActive}))

	cp, err := cps.Get("u1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "20", cp.Cursor)

	all, err := cps.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	missing, err := cps.Get("u2", "gmail")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
