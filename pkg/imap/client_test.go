package imap

import (
	"context"
	"bytes"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func connect(t *testing.T, password string) mailboxdomain.Session {
	t.Helper()
	host, port := startServer(t)
	c := &Connector{Insecure: true}
	sess, err := c.Connect(context.Background(), mailboxdomain.Account{
		UserID:       "u1",
		Email:        "username",
		Provider:     mailboxdomain.ProviderIMAP,
		IMAPServer:   host,
		IMAPPort:     port,
		IMAPPassword: password,
	})
	require.NoError(t, err)
	return sess
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestCursorAndChanges(t *testing.T) {
	sess := connect(t, "password")

	cursor, err := sess.CurrentCursor(ctx(t))
	require.NoError(t, err)
	validity, last, err := parseCursor(cursor)
	require.NoError(t, err)
	assert.NotZero(t, validity)

	// Nothing arrived since the cursor was taken.
	msgs, next, err := sess.Changes(ctx(t), cursor)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, cursor, next)

	// Rewinding to zero replays the inbox.
	msgs, next, err = sess.Changes(ctx(t), formatCursor(validity, 0))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "contact@example.org", msgs[0].From)
	assert.Equal(t, "A little message, just for you", msgs[0].Subject)
	assert.Equal(t, "Hi there :)", msgs[0].Body)
	assert.Equal(t, formatCursor(validity, last), msgs[0].ID)
	assert.Equal(t, cursor, next)
}

func TestChanges_UIDValidityMismatch(t *testing.T) {
	sess := connect(t, "password")

	_, _, err := sess.Changes(ctx(t), "999999:1")
	assert.ErrorIs(t, err, mailboxdomain.ErrCursorInvalid)

	_, _, err = sess.Changes(ctx(t), "garbage")
	assert.ErrorIs(t, err, mailboxdomain.ErrCursorInvalid)
}

func TestPing_BadPasswordIsCredential(t *testing.T) {
	sess := connect(t, "wrong")
	err := sess.Ping(ctx(t))
	assert.ErrorIs(t, err, mailboxdomain.ErrCredential)
}

func TestSearch_ByDomain(t *testing.T) {
	sess := connect(t, "password")

	msgs, err := sess.Search(ctx(t), mailboxdomain.SearchQuery{FromDomain: "example.org"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasSuffix(msgs[0].From, "@example.org"))

	msgs, err = sess.Search(ctx(t), mailboxdomain.SearchQuery{FromDomain: "nowhere.test"})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConnect_MissingPassword(t *testing.T) {
	_, err := NewConnector().Connect(context.Background(), mailboxdomain.Account{UserID: "u1", IMAPServer: "imap.example.com"})
	assert.ErrorIs(t, err, mailboxdomain.ErrCredential)
}

func TestToMessage_KeepsUnparseableMessages(t *testing.T) {
	section := &goimap.BodySectionName{Peek: true}
	arrived := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	broken := goimap.NewMessage(1, nil)
	broken.Uid = 5
	broken.InternalDate = arrived
	broken.Body = map[*goimap.BodySectionName]goimap.Literal{
		{}: bytes.NewBufferString("this header line has no colon\r\n\r\nbody"),
	}
	m := toMessage(7, broken, section)
	assert.Equal(t, "7:5", m.ID)
	assert.Equal(t, arrived, m.ReceivedAt)
	assert.Empty(t, m.From)

	empty := goimap.NewMessage(2, nil)
	empty.Uid = 6
	empty.InternalDate = arrived
	m = toMessage(7, empty, section)
	assert.Equal(t, "7:6", m.ID)
	assert.Equal(t, arrived, m.ReceivedAt)
}

func TestToMessage_PrefersInternalDate(t *testing.T) {
	section := &goimap.BodySectionName{Peek: true}
	arrived := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	msg := goimap.NewMessage(1, nil)
	msg.Uid = 9
	msg.InternalDate = arrived
	msg.Body = map[*goimap.BodySectionName]goimap.Literal{
		{}: bytes.NewBufferString("From: a@acme.com\r\nDate: Wed, 11 May 2016 14:31:59 +0000\r\nSubject: Re: hi\r\n\r\nhello"),
	}
	m := toMessage(3, msg, section)
	assert.Equal(t, "3:9", m.ID)
	assert.Equal(t, "a@acme.com", m.From)
	assert.Equal(t, arrived, m.ReceivedAt)
}

func TestSnippet_CutsOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 250)
	s := snippet(body)
	assert.Equal(t, 200, len([]rune(s)))
	assert.True(t, strings.HasPrefix(body, s))
	assert.Equal(t, "short body", snippet("short\n  body"))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyLogin(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want error
	}{
		{errors.New("Bad username or password"), mailboxdomain.ErrCredential},
		{errors.New("Invalid credentials (Failure)"), mailboxdomain.ErrCredential},
		{errors.New("Service temporarily unavailable, try again later"), mailboxdomain.ErrTransient},
		{errors.New("Too many simultaneous connections"), mailboxdomain.ErrTransient},
		{errors.New("imap: connection closed during command execution"), mailboxdomain.ErrTransient},
		{timeoutErr{}, mailboxdomain.ErrTransient},
	} {
		assert.Equal(t, tc.want, classifyLogin(tc.err), tc.err.Error())
	}
}
