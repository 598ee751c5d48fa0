// Package imap polls plain IMAP mailboxes. IMAP has no push or change log, so the change feed is
// a UID watermark scoped by UIDVALIDITY and each call opens its own connection.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/pkg/matching"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
)

const (
	inbox        = "INBOX"
	maxBodyBytes = 64 << 10
	dialTimeout  = 15 * time.Second
	snippetRunes = 200
)

func init() {
	goimap.CharsetReader = charset.Reader
}

type Connector struct {
	// Insecure dials without TLS. Only for local servers.
	Insecure bool
}

func NewConnector() *Connector {
	return &Connector{}
}

func (c *Connector) Connect(ctx context.Context, account mailboxdomain.Account) (mailboxdomain.Session, error) {
	if account.IMAPServer == "" || account.IMAPPassword == "" {
		return nil, fmt.Errorf("imap: missing server or password for user %s: %w", account.UserID, mailboxdomain.ErrCredential)
	}
	port := account.IMAPPort
	if port == 0 {
		port = 993
	}
	return &session{
		addr:     net.JoinHostPort(account.IMAPServer, strconv.Itoa(port)),
		host:     account.IMAPServer,
		username: account.Email,
		password: account.IMAPPassword,
		insecure: c.Insecure,
	}, nil
}

type session struct {
	addr     string
	host     string
	username string
	password string
	insecure bool
}

func (s *session) Kind() mailboxdomain.ProviderType { return mailboxdomain.ProviderIMAP }

// open dials, logs in and selects INBOX read-only.
func (s *session) open(ctx context.Context) (*client.Client, *goimap.MailboxStatus, error) {
	timeout := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, nil, context.DeadlineExceeded
		}
	}
	dialer := &net.Dialer{Timeout: timeout}

	var (
		c   *client.Client
		err error
	)
	if s.insecure {
		c, err = client.DialWithDialer(dialer, s.addr)
	} else {
		c, err = client.DialWithDialerTLS(dialer, s.addr, &tls.Config{ServerName: s.host})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("imap dial %s: %v: %w", s.addr, err, mailboxdomain.ErrTransient)
	}
	c.Timeout = timeout

	if err := c.Login(s.username, s.password); err != nil {
		_ = c.Logout()
		return nil, nil, fmt.Errorf("imap login: %v: %w", err, classifyLogin(err))
	}
	status, err := c.Select(inbox, true)
	if err != nil {
		_ = c.Logout()
		return nil, nil, fmt.Errorf("imap select: %v: %w", err, mailboxdomain.ErrTransient)
	}
	return c, status, nil
}

// transientLoginHints are NO-on-LOGIN texts servers use for throttling and outages.
var transientLoginHints = []string{"unavailable", "try again", "throttl", "too many", "rate limit", "temporar", "server busy"}

// classifyLogin maps a LOGIN failure to ErrCredential only when the server rejected the
// credentials. Transport failures and throttling are transient.
func classifyLogin(err error) error {
	if errors.Is(err, client.ErrLoginDisabled) {
		return mailboxdomain.ErrCredential
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return mailboxdomain.ErrTransient
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection closed") {
		return mailboxdomain.ErrTransient
	}
	for _, hint := range transientLoginHints {
		if strings.Contains(msg, hint) {
			return mailboxdomain.ErrTransient
		}
	}
	return mailboxdomain.ErrCredential
}

func (s *session) Ping(ctx context.Context) error {
	c, _, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer c.Logout()
	return c.Noop()
}

func (s *session) Identity(ctx context.Context) (string, error) {
	return matching.NormalizeAddress(s.username), nil
}

// GetThread treats the thread id as the root Message-ID and collects everything that references it.
func (s *session) GetThread(ctx context.Context, threadID string) ([]*mailboxdomain.Message, error) {
	c, status, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	root := "<" + matching.NormalizeMessageID(threadID) + ">"
	uidSet := make(map[uint32]bool)
	for _, header := range []string{"Message-Id", "In-Reply-To", "References"} {
		criteria := goimap.NewSearchCriteria()
		criteria.Header.Add(header, root)
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return nil, fmt.Errorf("imap search: %v: %w", err, mailboxdomain.ErrTransient)
		}
		for _, uid := range uids {
			uidSet[uid] = true
		}
	}
	if len(uidSet) == 0 {
		return nil, fmt.Errorf("imap thread %s: %w", threadID, mailboxdomain.ErrNotFound)
	}
	uids := make([]uint32, 0, len(uidSet))
	for uid := range uidSet {
		uids = append(uids, uid)
	}
	return fetch(c, status.UidValidity, uids)
}

func (s *session) Search(ctx context.Context, q mailboxdomain.SearchQuery) ([]*mailboxdomain.Message, error) {
	c, status, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	uids, err := c.UidSearch(BuildCriteria(q))
	if err != nil {
		return nil, fmt.Errorf("imap search: %v: %w", err, mailboxdomain.ErrTransient)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if q.MaxResults > 0 && len(uids) > q.MaxResults {
		uids = uids[len(uids)-q.MaxResults:]
	}
	if len(uids) == 0 {
		return nil, nil
	}
	msgs, err := fetch(c, status.UidValidity, uids)
	if err != nil {
		return nil, err
	}
	// SINCE has day granularity.
	if q.After.IsZero() {
		return msgs, nil
	}
	out := msgs[:0]
	for _, m := range msgs {
		if !m.ReceivedAt.Before(q.After) {
			out = append(out, m)
		}
	}
	return out, nil
}

// BuildCriteria maps a SearchQuery to IMAP SEARCH keys.
func BuildCriteria(q mailboxdomain.SearchQuery) *goimap.SearchCriteria {
	criteria := goimap.NewSearchCriteria()
	if q.From != "" {
		criteria.Header.Add("From", q.From)
	}
	if q.FromDomain != "" {
		criteria.Header.Add("From", "@"+q.FromDomain)
	}
	if q.Subject != "" {
		criteria.Header.Add("Subject", q.Subject)
	}
	if q.Text != "" {
		criteria.Text = []string{q.Text}
	}
	if !q.After.IsZero() {
		criteria.Since = q.After
	}
	return criteria
}

// Cursor is "uidvalidity:lastuid".
func formatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func parseCursor(cursor string) (uint32, uint32, error) {
	v, u, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, mailboxdomain.ErrCursorInvalid
	}
	validity, err1 := strconv.ParseUint(v, 10, 32)
	uid, err2 := strconv.ParseUint(u, 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, mailboxdomain.ErrCursorInvalid
	}
	return uint32(validity), uint32(uid), nil
}

func (s *session) CurrentCursor(ctx context.Context) (string, error) {
	c, status, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	defer c.Logout()

	last := uint32(0)
	if status.UidNext > 0 {
		last = status.UidNext - 1
	}
	return formatCursor(status.UidValidity, last), nil
}

func (s *session) Changes(ctx context.Context, cursor string) ([]*mailboxdomain.Message, string, error) {
	validity, last, err := parseCursor(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("imap cursor %q: %w", cursor, err)
	}

	c, status, err := s.open(ctx)
	if err != nil {
		return nil, "", err
	}
	defer c.Logout()

	if status.UidValidity != validity {
		return nil, "", fmt.Errorf("imap uidvalidity changed %d -> %d: %w", validity, status.UidValidity, mailboxdomain.ErrCursorInvalid)
	}

	criteria := goimap.NewSearchCriteria()
	criteria.Uid = new(goimap.SeqSet)
	criteria.Uid.AddRange(last+1, 0)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, "", fmt.Errorf("imap search: %v: %w", err, mailboxdomain.ErrTransient)
	}

	// "n:*" always matches the highest UID, even when it is below n.
	fresh := uids[:0]
	next := last
	for _, uid := range uids {
		if uid > last {
			fresh = append(fresh, uid)
			if uid > next {
				next = uid
			}
		}
	}
	if len(fresh) == 0 {
		return nil, formatCursor(validity, next), nil
	}
	msgs, err := fetch(c, validity, fresh)
	if err != nil {
		return nil, "", err
	}
	return msgs, formatCursor(validity, next), nil
}

// messageID is "uidvalidity:uid", unique within one mailbox across UIDVALIDITY resets.
func messageID(validity, uid uint32) string {
	return formatCursor(validity, uid)
}

// fetch returns one message per UID. A message that cannot be parsed still comes back with
// its id and arrival time so the caller records it instead of skipping past it.
func fetch(c *client.Client, validity uint32, uids []uint32) ([]*mailboxdomain.Message, error) {
	seqset := new(goimap.SeqSet)
	seqset.AddNum(uids...)

	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *goimap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	var out []*mailboxdomain.Message
	for msg := range ch {
		out = append(out, toMessage(validity, msg, section))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %v: %w", err, mailboxdomain.ErrTransient)
	}
	return out, nil
}

func toMessage(validity uint32, msg *goimap.Message, section *goimap.BodySectionName) *mailboxdomain.Message {
	m := &mailboxdomain.Message{Headers: matching.NewHeaders(nil)}
	if body := msg.GetBody(section); body != nil {
		parsed, err := parseMessage(body)
		if err != nil {
			logrus.WithError(err).WithField("uid", msg.Uid).Warn("[IMAP] Unparseable message, keeping id only")
		} else {
			m = parsed
		}
	} else {
		logrus.WithField("uid", msg.Uid).Warn("[IMAP] Message returned without a body")
	}
	m.ID = messageID(validity, msg.Uid)
	// INTERNALDATE is set by the server; the Date header is only a fallback.
	if !msg.InternalDate.IsZero() {
		m.ReceivedAt = msg.InternalDate
	}
	return m
}

func parseMessage(r io.Reader) (*mailboxdomain.Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && mr == nil {
		return nil, err
	}
	defer mr.Close()

	raw := make(map[string]string)
	fields := mr.Header.Fields()
	for fields.Next() {
		if text, err := fields.Text(); err == nil {
			raw[fields.Key()] = text
		} else {
			raw[fields.Key()] = fields.Value()
		}
	}
	headers := matching.NewHeaders(raw)

	m := &mailboxdomain.Message{Headers: headers}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		m.From = matching.NormalizeAddress(from[0].Address)
		m.FromName = from[0].Name
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range to {
			m.To = append(m.To, matching.NormalizeAddress(a.Address))
		}
	}
	m.Subject, _ = mr.Header.Subject()
	if id, err := mr.Header.MessageID(); err == nil {
		m.MessageID = id
	}
	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil {
		m.InReplyTo = ids
	}
	if ids, err := mr.Header.MsgIDList("References"); err == nil {
		m.References = ids
	}
	if date, err := mr.Header.Date(); err == nil {
		m.ReceivedAt = date
	}
	m.ThreadID = threadRoot(m)

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) || err != nil {
			break
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			if ct != "" && ct != "text/plain" {
				continue
			}
			data, _ := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
			m.Body = strings.TrimSpace(string(data))
			break
		}
	}
	m.Snippet = snippet(m.Body)
	return m, nil
}

// threadRoot picks the first referenced id, falling back to the message's own id.
func threadRoot(m *mailboxdomain.Message) string {
	if len(m.References) > 0 {
		return m.References[0]
	}
	if len(m.InReplyTo) > 0 {
		return m.InReplyTo[0]
	}
	return m.MessageID
}

func snippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if r := []rune(s); len(r) > snippetRunes {
		return string(r[:snippetRunes])
	}
	return s
}
