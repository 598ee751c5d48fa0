package layers

import (
	"context"
	"errors"
	"strings"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/pkg/matching"
)

// ThreadLayer scans the original thread for messages from the contact or a colleague.
type ThreadLayer struct{}

func (ThreadLayer) Name() string { return replydomain.LayerThread }

func (ThreadLayer) Detect(ctx context.Context, p mailboxdomain.Provider, opts replydomain.DetectionOptions) ([]*mailboxdomain.Message, string, error) {
	if opts.ThreadID == "" {
		return nil, "", skipped("no thread id")
	}
	query := "thread=" + opts.ThreadID

	msgs, err := p.GetThread(ctx, opts.ThreadID)
	if errors.Is(err, mailboxdomain.ErrNotFound) {
		// A deleted or unknown thread is an answer, not an outage.
		return nil, query, nil
	}
	if err != nil {
		return nil, query, err
	}

	contactDomain := matching.Domain(opts.ContactEmail)
	return keep(msgs, opts, func(m *mailboxdomain.Message) bool {
		if fromContact(m, opts) {
			return true
		}
		return !matching.IsFreemail(contactDomain) && fromContactDomain(m, opts)
	}), query, nil
}

// ExactAddressLayer searches for mail from the contact address and each known alias.
type ExactAddressLayer struct {
	MaxResults int
}

func (ExactAddressLayer) Name() string { return replydomain.LayerExactAddress }

func (l ExactAddressLayer) Detect(ctx context.Context, p mailboxdomain.Provider, opts replydomain.DetectionOptions) ([]*mailboxdomain.Message, string, error) {
	if opts.ContactEmail == "" {
		return nil, "", skipped("no contact address")
	}

	addresses := append([]string{opts.ContactEmail}, opts.Aliases...)
	var (
		found   []*mailboxdomain.Message
		queries []string
		errs    []error
	)
	for _, addr := range addresses {
		q := mailboxdomain.SearchQuery{From: addr, After: opts.SentAt, MaxResults: l.MaxResults}
		queries = append(queries, describe(q))

		msgs, err := p.Search(ctx, q)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		found = append(found, keep(msgs, opts, func(m *mailboxdomain.Message) bool {
			return fromContact(m, opts)
		})...)
	}
	return found, strings.Join(queries, " | "), errors.Join(errs...)
}

// DomainLayer searches the contact's whole domain. A subject, when known, must correlate so that
// unrelated colleagues do not count.
type DomainLayer struct {
	MaxResults int
}

func (DomainLayer) Name() string { return replydomain.LayerDomain }

func (l DomainLayer) Detect(ctx context.Context, p mailboxdomain.Provider, opts replydomain.DetectionOptions) ([]*mailboxdomain.Message, string, error) {
	domain := matching.Domain(opts.ContactEmail)
	if domain == "" {
		return nil, "", skipped("no contact domain")
	}
	hasSubject := matching.NormalizeSubject(opts.Subject) != ""
	if matching.IsFreemail(domain) && !hasSubject {
		return nil, "", skipped("shared mail domain without subject")
	}

	q := mailboxdomain.SearchQuery{FromDomain: domain, After: opts.SentAt, MaxResults: l.MaxResults}
	msgs, err := p.Search(ctx, q)
	if err != nil {
		return nil, describe(q), err
	}
	return keep(msgs, opts, func(m *mailboxdomain.Message) bool {
		if !fromContactDomain(m, opts) {
			return false
		}
		return !hasSubject || matching.SubjectCorrelates(opts.Subject, m.Subject)
	}), describe(q), nil
}

// DisplayNameLayer searches by the contact's name and requires the sender to share the contact's domain.
type DisplayNameLayer struct {
	MaxResults int
}

func (DisplayNameLayer) Name() string { return replydomain.LayerDisplayName }

func (l DisplayNameLayer) Detect(ctx context.Context, p mailboxdomain.Provider, opts replydomain.DetectionOptions) ([]*mailboxdomain.Message, string, error) {
	name := strings.TrimSpace(opts.ContactName)
	if name == "" {
		return nil, "", skipped("no contact name")
	}

	q := mailboxdomain.SearchQuery{Text: name, After: opts.SentAt, MaxResults: l.MaxResults}
	msgs, err := p.Search(ctx, q)
	if err != nil {
		return nil, describe(q), err
	}
	return keep(msgs, opts, func(m *mailboxdomain.Message) bool {
		if fromContact(m, opts) {
			return true
		}
		if !fromContactDomain(m, opts) {
			return false
		}
		return m.FromName == "" || matching.NameMatches(name, m.FromName)
	}), describe(q), nil
}

// SubjectLayer searches by normalized subject and accepts the contact's address or, outside shared
// mail domains, the contact's domain.
type SubjectLayer struct {
	MaxResults int
}

func (SubjectLayer) Name() string { return replydomain.LayerSubject }

func (l SubjectLayer) Detect(ctx context.Context, p mailboxdomain.Provider, opts replydomain.DetectionOptions) ([]*mailboxdomain.Message, string, error) {
	subject := matching.NormalizeSubject(opts.Subject)
	if subject == "" {
		return nil, "", skipped("no subject")
	}

	q := mailboxdomain.SearchQuery{Subject: subject, After: opts.SentAt, MaxResults: l.MaxResults}
	msgs, err := p.Search(ctx, q)
	if err != nil {
		return nil, describe(q), err
	}
	shared := matching.IsFreemail(matching.Domain(opts.ContactEmail))
	return keep(msgs, opts, func(m *mailboxdomain.Message) bool {
		byDomain := !shared && fromContactDomain(m, opts)
		if !fromContact(m, opts) && !byDomain {
			return false
		}
		return matching.SubjectCorrelates(opts.Subject, m.Subject)
	}), describe(q), nil
}
