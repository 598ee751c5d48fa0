// Package layers holds the independent reply detection strategies and the runner that fans them
// out and audits every attempt.
package layers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/pkg/matching"

	"github.com/bradenaw/juniper/xslices"
)

// ErrSkipped is returned by a layer that lacks the input it needs. A skipped layer counts as
// unhealthy: it cannot vouch for a negative.
var ErrSkipped = errors.New("layer skipped")

// Layer is one detection strategy. Query describes what the layer asked the provider, for the audit log.
type Layer interface {
	Name() string
	Detect(ctx context.Context, p mailboxdomain.Provider, opts replydomain.DetectionOptions) (replies []*mailboxdomain.Message, query string, err error)
}

// Default returns the five layers in their canonical order.
func Default(maxResults int) []Layer {
	return []Layer{
		ThreadLayer{},
		ExactAddressLayer{MaxResults: maxResults},
		DomainLayer{MaxResults: maxResults},
		DisplayNameLayer{MaxResults: maxResults},
		SubjectLayer{MaxResults: maxResults},
	}
}

func skipped(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkipped, reason)
}

// eligible applies the filters every layer shares: not from the owner, not automated, not
// received before the original was sent.
func eligible(m *mailboxdomain.Message, opts replydomain.DetectionOptions) bool {
	if m == nil || m.From == "" {
		return false
	}
	if opts.OwnAddress != "" && matching.LooselyEqual(m.From, opts.OwnAddress) {
		return false
	}
	if !opts.SentAt.IsZero() && m.ReceivedAt.Before(opts.SentAt) {
		return false
	}
	return !m.Classify().Automated()
}

// fromContact reports whether the sender is the contact or one of its known aliases.
func fromContact(m *mailboxdomain.Message, opts replydomain.DetectionOptions) bool {
	if matching.LooselyEqual(m.From, opts.ContactEmail) {
		return true
	}
	return xslices.Any(opts.Aliases, func(alias string) bool {
		return matching.LooselyEqual(m.From, alias)
	})
}

// fromContactDomain reports whether the sender shares the contact's domain.
func fromContactDomain(m *mailboxdomain.Message, opts replydomain.DetectionOptions) bool {
	return matching.SameDomain(m.From, opts.ContactEmail)
}

func keep(msgs []*mailboxdomain.Message, opts replydomain.DetectionOptions, match func(*mailboxdomain.Message) bool) []*mailboxdomain.Message {
	return xslices.Filter(msgs, func(m *mailboxdomain.Message) bool {
		return eligible(m, opts) && match(m)
	})
}

func describe(q mailboxdomain.SearchQuery) string {
	var parts []string
	if q.From != "" {
		parts = append(parts, "from="+q.From)
	}
	if q.FromDomain != "" {
		parts = append(parts, "domain="+q.FromDomain)
	}
	if q.Text != "" {
		parts = append(parts, fmt.Sprintf("text=%q", q.Text))
	}
	if q.Subject != "" {
		parts = append(parts, fmt.Sprintf("subject=%q", q.Subject))
	}
	if !q.After.IsZero() {
		parts = append(parts, "after="+q.After.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return strings.Join(parts, " ")
}
