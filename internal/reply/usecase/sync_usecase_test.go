package usecase

import (
	"context"
	"testing"
	"time"

	authdomain "replywatch-backend/internal/auth/domain"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/pkg/matching"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbox() []*mailboxdomain.Message {
	return []*mailboxdomain.Message{
		{
			ID: "in-1", ThreadID: "th-other", From: "c+sales@acme.com", Subject: "Re: Pricing proposal",
			InReplyTo:  []string{"orig-1@corp.com"},
			Headers:    matching.NewHeaders(map[string]string{"In-Reply-To": "<orig-1@corp.com>"}),
			ReceivedAt: sentAt.Add(time.Hour),
		},
		{ID: "own-1", From: "me@corp.com", Subject: "Re: Pricing proposal", ReceivedAt: sentAt.Add(2 * time.Hour)},
		{
			ID: "ooo-1", From: "c@acme.com", Subject: "Out of office",
			Headers:    matching.NewHeaders(map[string]string{"Auto-Submitted": "auto-replied"}),
			ReceivedAt: sentAt.Add(3 * time.Hour),
		},
		{ID: "news-1", From: "news@letters.io", Subject: "Weekly digest", ReceivedAt: sentAt.Add(4 * time.Hour)},
	}
}

func TestSyncUser_InitializesThenProcessesDelta(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	ctx := context.Background()

	report, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Initialized)
	assert.Equal(t, "0", report.Cursor)
	assert.Zero(t, e.mailbox.Calls("changes"), "first run only records the position")

	e.mailbox.Deliver(inbox()...)
	report, err = e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, report.Initialized)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 1, report.Replies)
	assert.Equal(t, "4", report.Cursor)

	replies, err := e.replyRepo.ListBySentMessage(sent.ID)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "in-1", replies[0].ProviderMessageID)
	assert.Equal(t, "sync:header", replies[0].DetectedBy)
	assert.True(t, e.sentMessage(t, sent.ID).ReplyReceived)
	assert.Equal(t, 1, e.listener.count())

	aliases, err := e.aliases.ActiveFor(e.contact.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c+sales@acme.com"}, aliases)

	cps, err := e.sync.Checkpoints()
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "4", cps[0].Cursor)
	assert.Equal(t, replydomain.SyncStatusActive, cps[0].Status)
	assert.NotNil(t, cps[0].LastSyncedAt)
}

func TestSyncUser_ReplayIsIdempotent(t *testing.T) {
	e := newEnv(t)
	sent := e.send(t, nil)
	ctx := context.Background()

	_, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	e.mailbox.Deliver(inbox()...)
	_, err = e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)

	cp, err := e.checkpointRepo.Get("u1", "gmail")
	require.NoError(t, err)
	cp.Cursor = "0"
	require.NoError(t, e.checkpointRepo.Save(cp))

	report, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 4, report.Duplicates)
	assert.Zero(t, report.Processed)
	assert.Zero(t, report.Replies)

	replies, err := e.replyRepo.ListBySentMessage(sent.ID)
	require.NoError(t, err)
	assert.Len(t, replies, 1)
	assert.Equal(t, 1, e.listener.count())
}

func TestSyncUser_InvalidCursorReinitializes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	e.mailbox.Deliver(inbox()[:2]...)
	e.mailbox.ExpireCursorsBefore(1)

	_, err = e.sync.SyncUser(ctx, "u1")
	require.ErrorIs(t, err, mailboxdomain.ErrCursorInvalid)

	cp, err := e.checkpointRepo.Get("u1", "gmail")
	require.NoError(t, err)
	assert.Empty(t, cp.Cursor)
	assert.Equal(t, replydomain.SyncStatusError, cp.Status)
	assert.Equal(t, 1, cp.ConsecutiveErrors)

	report, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Initialized)
	assert.Equal(t, "2", report.Cursor)

	cp, err = e.checkpointRepo.Get("u1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, replydomain.SyncStatusActive, cp.Status)
	assert.Zero(t, cp.ConsecutiveErrors)
	assert.Empty(t, cp.LastError)
}

func TestSyncUser_CredentialFailureSuspendsUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	e.mailbox.Fail("changes", mailboxdomain.ErrCredential)

	_, err = e.sync.SyncUser(ctx, "u1")
	require.Error(t, err)
	assert.True(t, mailboxdomain.IsCredential(err))

	user, err := e.users.GetUser("u1")
	require.NoError(t, err)
	assert.True(t, user.RequiresReauth)

	calls := e.mailbox.Calls("changes")
	report, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "requires_reauth", report.Skipped)
	assert.Equal(t, calls, e.mailbox.Calls("changes"))
}

func TestSyncUser_PreflightFailureKeepsCursor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	e.mailbox.Deliver(inbox()...)
	e.watchdog.Invalidate("u1", mailboxdomain.ProviderGmail)
	e.mailbox.Fail("ping", mailboxdomain.ErrTransient)

	_, err = e.sync.SyncUser(ctx, "u1")
	require.Error(t, err)
	assert.Zero(t, e.mailbox.Calls("changes"))

	cp, err := e.checkpointRepo.Get("u1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "0", cp.Cursor)
	assert.Equal(t, replydomain.SyncStatusError, cp.Status)

	user, err := e.users.GetUser("u1")
	require.NoError(t, err)
	assert.False(t, user.RequiresReauth, "transient trouble never suspends the user")
}

func TestSyncUser_FallbackStrategies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bySender := e.send(t, func(m *replydomain.SentMessage) {
		m.ProviderMessageID, m.ThreadID, m.MessageIDHeader, m.Subject = "sent-a", "th-a", "a@corp.com", "Intro call"
	})
	colleague := &replydomain.Contact{UserID: "u1", Email: "dana@globex.com", Name: "Dana"}
	require.NoError(t, e.contactRepo.Create(colleague))
	byDomain := e.send(t, func(m *replydomain.SentMessage) {
		m.ContactID = colleague.ID
		m.ProviderMessageID, m.ThreadID, m.MessageIDHeader, m.Subject = "sent-b", "th-b", "b@corp.com", "Contract renewal"
	})

	_, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	e.mailbox.Deliver(
		&mailboxdomain.Message{ID: "r-a", From: "c@acme.com", Subject: "Re: something else", ReceivedAt: sentAt.Add(time.Hour)},
		&mailboxdomain.Message{ID: "r-b", From: "legal@globex.com", Subject: "RE: Contract renewal", ReceivedAt: sentAt.Add(time.Hour)},
	)
	report, err := e.sync.SyncUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Replies)

	a, err := e.replyRepo.ListBySentMessage(bySender.ID)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, "sync:sender", a[0].DetectedBy)

	b, err := e.replyRepo.ListBySentMessage(byDomain.ID)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, "sync:domain_subject", b[0].DetectedBy)

	aliases, err := e.aliases.ActiveFor(colleague.ID)
	require.NoError(t, err)
	assert.Empty(t, aliases, "weak strategies never teach aliases")
}

func TestSweepAll_CountsOutcomes(t *testing.T) {
	e := newEnv(t)
	e.users.mu.Lock()
	e.users.users["u2"] = &authdomain.User{ID: "u2", Email: "two@corp.com", Provider: mailboxdomain.ProviderGmail, Active: true}
	e.users.users["u3"] = &authdomain.User{ID: "u3", Email: "three@corp.com", Provider: mailboxdomain.ProviderGmail, Active: false}
	e.users.mu.Unlock()

	report, err := e.sync.SweepAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Users)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Skipped)

	u2, err := e.users.GetUser("u2")
	require.NoError(t, err)
	assert.True(t, u2.RequiresReauth, "no mailbox session counts as a credential failure")
}
