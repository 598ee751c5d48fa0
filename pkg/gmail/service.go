package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/pkg/matching"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// TokenUpdateFunc persists a refreshed token for a user.
type TokenUpdateFunc func(userID string, token *oauth2.Token) error

type Connector struct {
	clientID     string
	clientSecret string
	topicName    string
	onRefresh    TokenUpdateFunc

	// extra options for the underlying client, used to point at a fake server
	clientOptions []option.ClientOption
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	userID   string
	callback TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(s.userID, t); err != nil {
			logrus.WithError(err).WithField("userID", s.userID).Warn("[Gmail] Failed to persist refreshed token")
		}
	}
	return t, nil
}

func NewConnector(clientID, clientSecret, topicName string, onRefresh TokenUpdateFunc) *Connector {
	return &Connector{
		clientID:     clientID,
		clientSecret: clientSecret,
		topicName:    topicName,
		onRefresh:    onRefresh,
	}
}

func (c *Connector) service(ctx context.Context, account mailboxdomain.Account) (*gmail.Service, error) {
	if account.AccessToken == "" && account.RefreshToken == "" {
		return nil, fmt.Errorf("gmail: no tokens for user %s: %w", account.UserID, mailboxdomain.ErrCredential)
	}
	if len(c.clientOptions) > 0 {
		return gmail.NewService(ctx, c.clientOptions...)
	}

	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       account.TokenExpiry,
	}
	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     google.Endpoint,
	}
	src := &notifyTokenSource{
		src:      config.TokenSource(context.Background(), token),
		current:  token,
		userID:   account.UserID,
		callback: c.onRefresh,
	}

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(context.Background(), src)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// Connect opens a Gmail session for the account.
func (c *Connector) Connect(ctx context.Context, account mailboxdomain.Account) (mailboxdomain.Session, error) {
	srv, err := c.service(ctx, account)
	if err != nil {
		return nil, err
	}
	return &session{srv: srv, userID: account.UserID}, nil
}

// Watch registers INBOX push notifications on the configured Pub/Sub topic.
func (c *Connector) Watch(ctx context.Context, account mailboxdomain.Account) error {
	if c.topicName == "" {
		return errors.New("gmail: no pub/sub topic configured")
	}
	srv, err := c.service(ctx, account)
	if err != nil {
		return err
	}

	// Gmail allows one watch per user; clear any previous registration first.
	_ = srv.Users.Stop("me").Context(ctx).Do()

	resp, err := srv.Users.Watch("me", &gmail.WatchRequest{
		TopicName: c.topicName,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return wrap("watch", err)
	}
	logrus.WithFields(logrus.Fields{
		"userID":     account.UserID,
		"expiration": resp.Expiration,
		"history_id": resp.HistoryId,
	}).Info("[Gmail] Watch started")
	return nil
}

// StopWatch cancels push notifications for the account.
func (c *Connector) StopWatch(ctx context.Context, account mailboxdomain.Account) error {
	srv, err := c.service(ctx, account)
	if err != nil {
		return err
	}
	if err := srv.Users.Stop("me").Context(ctx).Do(); err != nil {
		return wrap("stop watch", err)
	}
	return nil
}

type session struct {
	srv    *gmail.Service
	userID string
}

func (s *session) Kind() mailboxdomain.ProviderType { return mailboxdomain.ProviderGmail }

func (s *session) Ping(ctx context.Context) error {
	_, err := s.srv.Users.GetProfile("me").Context(ctx).Do()
	return wrap("ping", err)
}

func (s *session) Identity(ctx context.Context) (string, error) {
	profile, err := s.srv.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", wrap("profile", err)
	}
	return matching.NormalizeAddress(profile.EmailAddress), nil
}

func (s *session) GetThread(ctx context.Context, threadID string) ([]*mailboxdomain.Message, error) {
	thread, err := s.srv.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, wrap("get thread", err)
	}
	out := make([]*mailboxdomain.Message, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		out = append(out, convertMessage(msg))
	}
	return out, nil
}

func (s *session) Search(ctx context.Context, q mailboxdomain.SearchQuery) ([]*mailboxdomain.Message, error) {
	call := s.srv.Users.Messages.List("me").Q(BuildQuery(q)).Context(ctx)
	if q.MaxResults > 0 {
		call = call.MaxResults(int64(q.MaxResults))
	}
	resp, err := call.Do()
	if err != nil {
		return nil, wrap("search", err)
	}
	return s.fetchAll(ctx, idsOf(resp.Messages))
}

func (s *session) CurrentCursor(ctx context.Context) (string, error) {
	profile, err := s.srv.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", wrap("profile", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Changes walks history.list from the cursor. An expired historyId surfaces as 404.
func (s *session) Changes(ctx context.Context, cursor string) ([]*mailboxdomain.Message, string, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("gmail: bad history id %q: %w", cursor, mailboxdomain.ErrCursorInvalid)
	}

	next := start
	var ids []string
	seen := make(map[string]bool)
	err = s.srv.Users.History.List("me").
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		Context(ctx).
		Pages(ctx, func(resp *gmail.ListHistoryResponse) error {
			if resp.HistoryId > next {
				next = resp.HistoryId
			}
			for _, h := range resp.History {
				for _, added := range h.MessagesAdded {
					if added.Message == nil || seen[added.Message.Id] {
						continue
					}
					seen[added.Message.Id] = true
					ids = append(ids, added.Message.Id)
				}
			}
			return nil
		})
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
			return nil, "", fmt.Errorf("gmail: history %d: %w", start, mailboxdomain.ErrCursorInvalid)
		}
		return nil, "", wrap("history", err)
	}

	msgs, err := s.fetchAll(ctx, ids)
	if err != nil {
		return nil, "", err
	}
	return msgs, strconv.FormatUint(next, 10), nil
}

// fetchAll loads full messages; ones deleted in the meantime are skipped.
func (s *session) fetchAll(ctx context.Context, ids []string) ([]*mailboxdomain.Message, error) {
	out := make([]*mailboxdomain.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.srv.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			var gErr *googleapi.Error
			if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
				continue
			}
			return nil, wrap("get message", err)
		}
		out = append(out, convertMessage(msg))
	}
	return out, nil
}

func idsOf(refs []*gmail.Message) []string {
	ids := make([]string, 0, len(refs))
	for _, m := range refs {
		ids = append(ids, m.Id)
	}
	return ids
}

// BuildQuery renders a SearchQuery in Gmail search syntax.
func BuildQuery(q mailboxdomain.SearchQuery) string {
	var parts []string
	if q.From != "" {
		parts = append(parts, "from:"+q.From)
	}
	if q.FromDomain != "" {
		parts = append(parts, "from:@"+q.FromDomain)
	}
	if q.Text != "" {
		parts = append(parts, strconv.Quote(q.Text))
	}
	if q.Subject != "" {
		parts = append(parts, "subject:("+q.Subject+")")
	}
	if !q.After.IsZero() {
		parts = append(parts, "after:"+strconv.FormatInt(q.After.Unix(), 10))
	}
	return strings.Join(parts, " ")
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("gmail %s: %v: %w", op, err, mailboxdomain.ErrCredential)
		case http.StatusNotFound:
			return fmt.Errorf("gmail %s: %v: %w", op, err, mailboxdomain.ErrNotFound)
		}
	}
	return fmt.Errorf("gmail %s: %w", op, err)
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

func convertMessage(msg *gmail.Message) *mailboxdomain.Message {
	raw := make(map[string]string)
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			raw[h.Name] = h.Value
		}
	}
	headers := matching.NewHeaders(raw)

	from := headers.Get("From")
	var to []string
	for _, addr := range strings.Split(headers.Get("To"), ",") {
		if a := matching.NormalizeAddress(addr); a != "" {
			to = append(to, a)
		}
	}

	body := ""
	if msg.Payload != nil {
		var isHTML bool
		body, isHTML = getEmailBody(msg.Payload)
		if isHTML {
			body = htmlTag.ReplaceAllString(body, " ")
		}
		body = strings.Join(strings.Fields(body), " ")
	}

	return &mailboxdomain.Message{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		MessageID:  matching.NormalizeMessageID(headers.Get("Message-ID")),
		InReplyTo:  matching.ParseMessageIDs(headers.Get("In-Reply-To")),
		References: matching.ParseMessageIDs(headers.Get("References")),
		From:       matching.NormalizeAddress(from),
		FromName:   matching.DisplayName(from),
		To:         to,
		Subject:    headers.Get("Subject"),
		Snippet:    msg.Snippet,
		Body:       body,
		Headers:    headers,
		ReceivedAt: time.UnixMilli(msg.InternalDate),
	}
}

func getEmailBody(payload *gmail.MessagePart) (string, bool) {
	if payload.Body != nil && payload.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			return string(data), payload.MimeType == "text/html"
		}
	}

	var htmlBody, plainBody string
	var findBody func(parts []*gmail.MessagePart)
	findBody = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
					switch part.MimeType {
					case "text/plain":
						plainBody = string(data)
					case "text/html":
						htmlBody = string(data)
					}
				}
			}
			if len(part.Parts) > 0 {
				findBody(part.Parts)
			}
		}
	}
	findBody(payload.Parts)

	if plainBody != "" {
		return plainBody, false
	}
	return htmlBody, htmlBody != ""
}
