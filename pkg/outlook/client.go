// Package outlook reads Microsoft 365 mailboxes through the Graph REST API.
package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/pkg/matching"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

const messageFields = "id,conversationId,internetMessageId,subject,bodyPreview,body,from,toRecipients,receivedDateTime,internetMessageHeaders"

// TokenUpdateFunc persists a refreshed token for a user.
type TokenUpdateFunc func(userID string, token *oauth2.Token) error

type Options struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	OnRefresh    TokenUpdateFunc

	// BaseURL and HTTPClient replace the Graph endpoint and the oauth2 client.
	BaseURL    string
	HTTPClient *http.Client
}

type Connector struct {
	opts    Options
	baseURL string
}

func NewConnector(opts Options) *Connector {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if opts.Tenant == "" {
		opts.Tenant = "common"
	}
	return &Connector{opts: opts, baseURL: baseURL}
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
			logrus.WithError(err).WithField("userID", s.userID).Warn("[Outlook] Failed to persist refreshed token")
		}
	}
	return t, nil
}

func (c *Connector) Connect(ctx context.Context, account mailboxdomain.Account) (mailboxdomain.Session, error) {
	if account.AccessToken == "" && account.RefreshToken == "" {
		return nil, fmt.Errorf("outlook: no tokens for user %s: %w", account.UserID, mailboxdomain.ErrCredential)
	}
	httpClient := c.opts.HTTPClient
	if httpClient == nil {
		token := &oauth2.Token{
			AccessToken:  account.AccessToken,
			RefreshToken: account.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       account.TokenExpiry,
		}
		config := &oauth2.Config{
			ClientID:     c.opts.ClientID,
			ClientSecret: c.opts.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(c.opts.Tenant),
			Scopes:       []string{"offline_access", "Mail.Read"},
		}
		httpClient = oauth2.NewClient(context.Background(), &notifyTokenSource{
			src:      config.TokenSource(context.Background(), token),
			current:  token,
			userID:   account.UserID,
			callback: c.opts.OnRefresh,
		})
	}
	return &session{http: httpClient, baseURL: c.baseURL}, nil
}

type session struct {
	http    *http.Client
	baseURL string
}

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type graphMessage struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversationId"`
	InternetMessageID string     `json:"internetMessageId"`
	Subject           string     `json:"subject"`
	BodyPreview       string     `json:"bodyPreview"`
	Body              *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From             *recipient  `json:"from"`
	ToRecipients     []recipient `json:"toRecipients"`
	ReceivedDateTime time.Time   `json:"receivedDateTime"`
	Headers          []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"internetMessageHeaders"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type messagePage struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *session) Kind() mailboxdomain.ProviderType { return mailboxdomain.ProviderOutlook }

func (s *session) get(ctx context.Context, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return err
		}
		return fmt.Errorf("outlook: %v: %w", err, mailboxdomain.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

func statusError(code int, body []byte) error {
	var gErr graphError
	_ = json.Unmarshal(body, &gErr)
	msg := gErr.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	// An expired delta token comes back as 410, or as 400 with a sync-state error code.
	if code == http.StatusBadRequest && strings.EqualFold(gErr.Error.Code, "SyncStateNotFound") {
		code = http.StatusGone
	}
	statusErr := &mailboxdomain.StatusError{StatusCode: code, Message: msg}
	if kind := mailboxdomain.ClassifyStatus(code); kind != nil {
		return fmt.Errorf("outlook: %w: %w", statusErr, kind)
	}
	return fmt.Errorf("outlook: %w", statusErr)
}

func (s *session) Ping(ctx context.Context) error {
	_, err := s.Identity(ctx)
	return err
}

func (s *session) Identity(ctx context.Context) (string, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := s.get(ctx, s.baseURL+"/me?$select=mail,userPrincipalName", nil, &me); err != nil {
		return "", err
	}
	if me.Mail != "" {
		return matching.NormalizeAddress(me.Mail), nil
	}
	return matching.NormalizeAddress(me.UserPrincipalName), nil
}

func (s *session) GetThread(ctx context.Context, threadID string) ([]*mailboxdomain.Message, error) {
	q := url.Values{}
	q.Set("$filter", "conversationId eq '"+strings.ReplaceAll(threadID, "'", "''")+"'")
	q.Set("$select", messageFields)
	q.Set("$top", "50")

	var page messagePage
	if err := s.get(ctx, s.baseURL+"/me/messages?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, fmt.Errorf("outlook: conversation %s: %w", threadID, mailboxdomain.ErrNotFound)
	}
	return convertAll(page.Value), nil
}

// Search uses KQL through $search. Graph does not allow $orderby with $search.
func (s *session) Search(ctx context.Context, sq mailboxdomain.SearchQuery) ([]*mailboxdomain.Message, error) {
	q := url.Values{}
	q.Set("$search", `"`+BuildKQL(sq)+`"`)
	q.Set("$select", messageFields)
	if sq.MaxResults > 0 {
		q.Set("$top", fmt.Sprint(sq.MaxResults))
	}

	var page messagePage
	if err := s.get(ctx, s.baseURL+"/me/messages?"+q.Encode(), map[string]string{"ConsistencyLevel": "eventual"}, &page); err != nil {
		return nil, err
	}
	msgs := convertAll(page.Value)
	if sq.After.IsZero() {
		return msgs, nil
	}
	out := msgs[:0]
	for _, m := range msgs {
		if !m.ReceivedAt.Before(sq.After) {
			out = append(out, m)
		}
	}
	return out, nil
}

// BuildKQL renders a SearchQuery as a Graph KQL expression.
func BuildKQL(q mailboxdomain.SearchQuery) string {
	var parts []string
	if q.From != "" {
		parts = append(parts, "from:"+q.From)
	}
	if q.FromDomain != "" {
		parts = append(parts, "from:"+q.FromDomain)
	}
	if q.Subject != "" {
		parts = append(parts, "subject:"+strings.ReplaceAll(q.Subject, `"`, ""))
	}
	if q.Text != "" {
		parts = append(parts, strings.ReplaceAll(q.Text, `"`, ""))
	}
	if !q.After.IsZero() {
		parts = append(parts, "received>="+q.After.UTC().Format("2006-01-02"))
	}
	return strings.Join(parts, " AND ")
}

func (s *session) deltaStart() string {
	q := url.Values{}
	q.Set("$select", messageFields)
	return s.baseURL + "/me/mailFolders/inbox/messages/delta?" + q.Encode()
}

// walk follows nextLinks until the deltaLink and returns every page's messages.
func (s *session) walk(ctx context.Context, link string, keep bool) ([]*mailboxdomain.Message, string, error) {
	var out []*mailboxdomain.Message
	for link != "" {
		var page messagePage
		if err := s.get(ctx, link, map[string]string{"Prefer": "odata.maxpagesize=50"}, &page); err != nil {
			return nil, "", err
		}
		if keep {
			for _, gm := range page.Value {
				if gm.Removed != nil {
					continue
				}
				out = append(out, convert(gm))
			}
		}
		if page.DeltaLink != "" {
			return out, page.DeltaLink, nil
		}
		link = page.NextLink
	}
	return nil, "", fmt.Errorf("outlook: delta ended without deltaLink: %w", mailboxdomain.ErrTransient)
}

// CurrentCursor runs a full delta round and keeps only the resulting deltaLink.
func (s *session) CurrentCursor(ctx context.Context) (string, error) {
	_, link, err := s.walk(ctx, s.deltaStart(), false)
	return link, err
}

func (s *session) Changes(ctx context.Context, cursor string) ([]*mailboxdomain.Message, string, error) {
	if !strings.HasPrefix(cursor, "http") {
		return nil, "", fmt.Errorf("outlook: bad delta link: %w", mailboxdomain.ErrCursorInvalid)
	}
	return s.walk(ctx, cursor, true)
}

func convertAll(in []graphMessage) []*mailboxdomain.Message {
	out := make([]*mailboxdomain.Message, 0, len(in))
	for _, gm := range in {
		out = append(out, convert(gm))
	}
	return out
}

func convert(gm graphMessage) *mailboxdomain.Message {
	raw := make(map[string]string, len(gm.Headers))
	for _, h := range gm.Headers {
		raw[h.Name] = h.Value
	}
	headers := matching.NewHeaders(raw)

	m := &mailboxdomain.Message{
		ID:         gm.ID,
		ThreadID:   gm.ConversationID,
		MessageID:  matching.NormalizeMessageID(gm.InternetMessageID),
		InReplyTo:  matching.ParseMessageIDs(headers.Get("In-Reply-To")),
		References: matching.ParseMessageIDs(headers.Get("References")),
		Subject:    gm.Subject,
		Snippet:    gm.BodyPreview,
		Headers:    headers,
		ReceivedAt: gm.ReceivedDateTime,
	}
	if gm.From != nil {
		m.From = matching.NormalizeAddress(gm.From.EmailAddress.Address)
		m.FromName = gm.From.EmailAddress.Name
	}
	for _, r := range gm.ToRecipients {
		m.To = append(m.To, matching.NormalizeAddress(r.EmailAddress.Address))
	}
	if gm.Body != nil {
		m.Body = gm.Body.Content
	}
	return m
}
