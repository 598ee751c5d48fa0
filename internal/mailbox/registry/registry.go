package registry

import (
	"context"
	"errors"
	"fmt"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/pkg/retry"
)

// ErrPushUnsupported is returned by Watch for providers that can only be polled.
var ErrPushUnsupported = errors.New("provider does not support push notifications")

// Registry maps each supported provider type to its connector and wraps every session so that
// all provider calls run with a bounded timeout and transient-only retries.
type Registry struct {
	connectors map[mailboxdomain.ProviderType]mailboxdomain.Connector
	policy     retry.Policy
	accounts   AccountLookup
}

// AccountLookup resolves a user's connector credentials.
type AccountLookup interface {
	AccountForUser(userID string) (mailboxdomain.Account, error)
}

func New(policy retry.Policy) *Registry {
	if policy.Retryable == nil {
		policy.Retryable = mailboxdomain.IsTransient
	}
	return &Registry{
		connectors: make(map[mailboxdomain.ProviderType]mailboxdomain.Connector),
		policy:     policy,
	}
}

// Register installs the connector for a provider type.
func (r *Registry) Register(kind mailboxdomain.ProviderType, c mailboxdomain.Connector) {
	r.connectors[kind] = c
}

// Connector returns the raw connector for a provider type.
func (r *Registry) Connector(kind mailboxdomain.ProviderType) (mailboxdomain.Connector, bool) {
	c, ok := r.connectors[kind]
	return c, ok
}

// UseAccounts sets the credential source used by Open.
func (r *Registry) UseAccounts(accounts AccountLookup) {
	r.accounts = accounts
}

// Open resolves the user's account and connects.
func (r *Registry) Open(ctx context.Context, userID string) (mailboxdomain.Session, error) {
	if r.accounts == nil {
		return nil, fmt.Errorf("registry: no account source")
	}
	account, err := r.accounts.AccountForUser(userID)
	if err != nil {
		return nil, err
	}
	return r.Connect(ctx, account)
}

// SupportsPush reports whether the provider's connector can register push notifications.
func (r *Registry) SupportsPush(kind mailboxdomain.ProviderType) bool {
	_, ok := r.connectors[kind].(mailboxdomain.PushCapable)
	return ok
}

// Watch (re)registers push notifications for the user's mailbox.
func (r *Registry) Watch(ctx context.Context, userID string) error {
	if r.accounts == nil {
		return fmt.Errorf("registry: no account source")
	}
	account, err := r.accounts.AccountForUser(userID)
	if err != nil {
		return err
	}
	pc, ok := r.connectors[account.Provider].(mailboxdomain.PushCapable)
	if !ok {
		return fmt.Errorf("%w: %q", ErrPushUnsupported, account.Provider)
	}
	return retry.Do(ctx, r.policy, "watch", func(ctx context.Context) error {
		return pc.Watch(ctx, account)
	})
}

// Connect opens a session for the account.
func (r *Registry) Connect(ctx context.Context, account mailboxdomain.Account) (mailboxdomain.Session, error) {
	c, ok := r.connectors[account.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", mailboxdomain.ErrUnsupportedProvider, account.Provider)
	}
	sess, err := retry.Value(ctx, r.policy, "connect", func(ctx context.Context) (mailboxdomain.Session, error) {
		return c.Connect(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return &retryingSession{inner: sess, policy: r.policy}, nil
}

type retryingSession struct {
	inner  mailboxdomain.Session
	policy retry.Policy
}

func (s *retryingSession) Kind() mailboxdomain.ProviderType { return s.inner.Kind() }

func (s *retryingSession) Ping(ctx context.Context) error {
	return retry.Do(ctx, s.policy, "ping", s.inner.Ping)
}

func (s *retryingSession) GetThread(ctx context.Context, threadID string) ([]*mailboxdomain.Message, error) {
	return retry.Value(ctx, s.policy, "get_thread", func(ctx context.Context) ([]*mailboxdomain.Message, error) {
		return s.inner.GetThread(ctx, threadID)
	})
}

func (s *retryingSession) Search(ctx context.Context, q mailboxdomain.SearchQuery) ([]*mailboxdomain.Message, error) {
	return retry.Value(ctx, s.policy, "search", func(ctx context.Context) ([]*mailboxdomain.Message, error) {
		return s.inner.Search(ctx, q)
	})
}

func (s *retryingSession) Identity(ctx context.Context) (string, error) {
	return retry.Value(ctx, s.policy, "identity", s.inner.Identity)
}

func (s *retryingSession) CurrentCursor(ctx context.Context) (string, error) {
	return retry.Value(ctx, s.policy, "current_cursor", s.inner.CurrentCursor)
}

func (s *retryingSession) Changes(ctx context.Context, cursor string) ([]*mailboxdomain.Message, string, error) {
	type page struct {
		msgs []*mailboxdomain.Message
		next string
	}
	p, err := retry.Value(ctx, s.policy, "changes", func(ctx context.Context) (page, error) {
		msgs, next, err := s.inner.Changes(ctx, cursor)
		return page{msgs: msgs, next: next}, err
	})
	return p.msgs, p.next, err
}
