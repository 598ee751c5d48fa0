// Package mailboxtest provides an in-memory mailbox provider for tests.
package mailboxtest

import (
	"context"
	"strconv"
	"strings"
	"sync"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/pkg/matching"
)

// Fake is an in-memory mailbox. Messages added with Deliver appear in searches, threads and the
// change feed. Errors can be injected per operation name: "ping", "thread", "search",
// "identity", "cursor", "changes".
type Fake struct {
	mu       sync.Mutex
	kind     mailboxdomain.ProviderType
	owner    string
	messages []*mailboxdomain.Message
	errs     map[string]error
	calls    map[string]int

	// cursorFloor is the lowest cursor still accepted; older cursors get ErrCursorInvalid.
	cursorFloor int
}

func NewFake(kind mailboxdomain.ProviderType, owner string) *Fake {
	return &Fake{
		kind:  kind,
		owner: owner,
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

// Deliver appends messages to the mailbox and the change feed.
func (f *Fake) Deliver(msgs ...*mailboxdomain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		if m.Headers == nil {
			m.Headers = matching.Headers{}
		}
		f.messages = append(f.messages, m)
	}
}

// Fail makes the named operation return err until cleared with Fail(op, nil).
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// ExpireCursorsBefore makes cursors lower than n invalid.
func (f *Fake) ExpireCursorsBefore(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursorFloor = n
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.errs[op]
}

func (f *Fake) Kind() mailboxdomain.ProviderType { return f.kind }

func (f *Fake) Ping(ctx context.Context) error { return f.enter("ping") }

func (f *Fake) Identity(ctx context.Context) (string, error) {
	if err := f.enter("identity"); err != nil {
		return "", err
	}
	return f.owner, nil
}

func (f *Fake) GetThread(ctx context.Context, threadID string) ([]*mailboxdomain.Message, error) {
	if err := f.enter("thread"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*mailboxdomain.Message
	for _, m := range f.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	if out == nil {
		return nil, mailboxdomain.ErrNotFound
	}
	return out, nil
}

func (f *Fake) Search(ctx context.Context, q mailboxdomain.SearchQuery) ([]*mailboxdomain.Message, error) {
	if err := f.enter("search"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*mailboxdomain.Message
	for _, m := range f.messages {
		if q.From != "" && matching.NormalizeAddress(m.From) != matching.NormalizeAddress(q.From) {
			continue
		}
		if q.FromDomain != "" && matching.Domain(m.From) != strings.ToLower(q.FromDomain) {
			continue
		}
		if q.Text != "" {
			text := strings.ToLower(q.Text)
			if !strings.Contains(strings.ToLower(m.FromName), text) && !strings.Contains(strings.ToLower(m.Body), text) {
				continue
			}
		}
		if q.Subject != "" && !strings.Contains(matching.NormalizeSubject(m.Subject), matching.NormalizeSubject(q.Subject)) {
			continue
		}
		if !q.After.IsZero() && m.ReceivedAt.Before(q.After) {
			continue
		}
		out = append(out, m)
		if q.MaxResults > 0 && len(out) >= q.MaxResults {
			break
		}
	}
	return out, nil
}

func (f *Fake) CurrentCursor(ctx context.Context) (string, error) {
	if err := f.enter("cursor"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return strconv.Itoa(len(f.messages)), nil
}

func (f *Fake) Changes(ctx context.Context, cursor string) ([]*mailboxdomain.Message, string, error) {
	if err := f.enter("changes"); err != nil {
		return nil, "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pos, err := strconv.Atoi(cursor)
	if err != nil || pos < f.cursorFloor || pos > len(f.messages) {
		return nil, "", mailboxdomain.ErrCursorInvalid
	}
	out := append([]*mailboxdomain.Message(nil), f.messages[pos:]...)
	return out, strconv.Itoa(len(f.messages)), nil
}

// Connector hands out Fake sessions keyed by user id.
type Connector struct {
	mu         sync.Mutex
	sessions   map[string]*Fake
	connectErr error

	watchErr   error
	watchCalls int
}

func NewConnector() *Connector {
	return &Connector{sessions: make(map[string]*Fake)}
}

// Add registers the mailbox served for a user.
func (c *Connector) Add(userID string, f *Fake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[userID] = f
}

func (c *Connector) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *Connector) FailWatch(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchErr = err
}

func (c *Connector) WatchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchCalls
}

func (c *Connector) Connect(ctx context.Context, account mailboxdomain.Account) (mailboxdomain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	f, ok := c.sessions[account.UserID]
	if !ok {
		return nil, mailboxdomain.ErrCredential
	}
	return f, nil
}

func (c *Connector) Watch(ctx context.Context, account mailboxdomain.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchCalls++
	return c.watchErr
}

func (c *Connector) StopWatch(ctx context.Context, account mailboxdomain.Account) error {
	return nil
}
