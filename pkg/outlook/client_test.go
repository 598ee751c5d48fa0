package outlook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, handler http.HandlerFunc) (mailboxdomain.Session, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewConnector(Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
	sess, err := c.Connect(context.Background(), mailboxdomain.Account{UserID: "u1", AccessToken: "tok"})
	require.NoError(t, err)
	return sess, srv.URL
}

func TestChanges_FollowsNextLinkToDeltaLink(t *testing.T) {
	var base string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprintf(w, `{"value":[{"id":"a","conversationId":"c1","subject":"Re: Hello",
				"from":{"emailAddress":{"name":"Jane","address":"Jane@Acme.com"}},
				"receivedDateTime":"2024-01-02T03:04:05Z",
				"internetMessageHeaders":[{"name":"In-Reply-To","value":"<orig@x>"}]}],
				"@odata.nextLink":"%s/delta?page=2"}`, base)
		case "2":
			fmt.Fprintf(w, `{"value":[{"id":"gone","@removed":{"reason":"deleted"}}],
				"@odata.deltaLink":"%s/delta?page=next"}`, base)
		default:
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"code":"SyncStateInvalid","message":"expired"}}`))
		}
	}))
	defer srv.Close()
	base = srv.URL

	sess, err := NewConnector(Options{BaseURL: srv.URL, HTTPClient: srv.Client()}).
		Connect(context.Background(), mailboxdomain.Account{UserID: "u1", AccessToken: "tok"})
	require.NoError(t, err)

	msgs, next, err := sess.Changes(context.Background(), base+"/delta?page=1")
	require.NoError(t, err)
	assert.Equal(t, base+"/delta?page=next", next)
	require.Len(t, msgs, 1)
	assert.Equal(t, "jane@acme.com", msgs[0].From)
	assert.Equal(t, []string{"orig@x"}, msgs[0].InReplyTo)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), msgs[0].ReceivedAt.UTC())

	_, _, err = sess.Changes(context.Background(), next)
	assert.ErrorIs(t, err, mailboxdomain.ErrCursorInvalid)
}

func TestStatusErrors(t *testing.T) {
	sess, _ := connect(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"expired"}}`))
	})
	err := sess.Ping(context.Background())
	assert.True(t, mailboxdomain.IsCredential(err))

	sess, _ = connect(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err = sess.Search(context.Background(), mailboxdomain.SearchQuery{From: "a@b.com"})
	assert.True(t, mailboxdomain.IsTransient(err))

	sess, base := connect(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"SyncStateNotFound","message":"gone"}}`))
	})
	_, _, err = sess.Changes(context.Background(), base+"/delta")
	assert.ErrorIs(t, err, mailboxdomain.ErrCursorInvalid)
}

func TestChanges_RejectsNonLinkCursor(t *testing.T) {
	sess, _ := connect(t, func(w http.ResponseWriter, r *http.Request) {})
	_, _, err := sess.Changes(context.Background(), "12345")
	assert.ErrorIs(t, err, mailboxdomain.ErrCursorInvalid)
}

func TestGetThread_EmptyIsNotFound(t *testing.T) {
	sess, _ := connect(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("$filter"), "conversationId eq 'c''1'")
		_, _ = w.Write([]byte(`{"value":[]}`))
	})
	_, err := sess.GetThread(context.Background(), "c'1")
	assert.ErrorIs(t, err, mailboxdomain.ErrNotFound)
}

func TestBuildKQL(t *testing.T) {
	kql := BuildKQL(mailboxdomain.SearchQuery{
		FromDomain: "acme.com",
		Subject:    `The "Plan"`,
		After:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "from:acme.com AND subject:The Plan AND received>=2024-05-01", kql)
}
