package usecase

import (
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/pkg/matching"

	"github.com/bradenaw/juniper/xslices"
)

// MatchInput is everything a strategy may look at. Strategies do no I/O.
type MatchInput struct {
	Message *mailboxdomain.Message
	Class   matching.Classification
	// Correlated are sent messages whose Message-ID the inbound message references.
	Correlated []*replydomain.SentMessage
	// Outstanding are the user's unreplied sent messages, newest first.
	Outstanding []*replydomain.SentMessage
	Contacts    map[string]*replydomain.Contact
	// AliasOf holds contact ids that list the sender as an active alias.
	AliasOf map[string]bool
}

// MatchStrategy maps an inbound message to the sent message it answers, or nil.
type MatchStrategy struct {
	Name  string
	Match func(in MatchInput) *replydomain.SentMessage
}

// DefaultStrategies is tried in order; the first hit wins.
var DefaultStrategies = []MatchStrategy{
	{Name: "header", Match: matchByHeader},
	{Name: "thread", Match: matchByThread},
	{Name: "sender", Match: matchBySender},
	{Name: "domain_subject", Match: matchByDomainSubject},
}

// Match runs strategies in order.
func Match(in MatchInput, strategies []MatchStrategy) (*replydomain.SentMessage, string) {
	for _, s := range strategies {
		if sent := s.Match(in); sent != nil {
			return sent, s.Name
		}
	}
	return nil, ""
}

func sentBefore(in MatchInput) func(*replydomain.SentMessage) bool {
	return func(s *replydomain.SentMessage) bool {
		return !s.SentAt.After(in.Message.ReceivedAt)
	}
}

func first(msgs []*replydomain.SentMessage, keep func(*replydomain.SentMessage) bool) *replydomain.SentMessage {
	if i := xslices.IndexFunc(msgs, keep); i >= 0 {
		return msgs[i]
	}
	return nil
}

// matchByHeader follows In-Reply-To / References back to a stored Message-ID.
func matchByHeader(in MatchInput) *replydomain.SentMessage {
	return first(in.Correlated, sentBefore(in))
}

func matchByThread(in MatchInput) *replydomain.SentMessage {
	if in.Message.ThreadID == "" {
		return nil
	}
	before := sentBefore(in)
	return first(in.Outstanding, func(s *replydomain.SentMessage) bool {
		return s.ThreadID == in.Message.ThreadID && before(s)
	})
}

// matchBySender pairs a reply from the contact, or a known alias, with their newest open message.
func matchBySender(in MatchInput) *replydomain.SentMessage {
	if !in.Class.IsReply {
		return nil
	}
	before := sentBefore(in)
	return first(in.Outstanding, func(s *replydomain.SentMessage) bool {
		if !before(s) {
			return false
		}
		if in.AliasOf[s.ContactID] {
			return true
		}
		c, ok := in.Contacts[s.ContactID]
		return ok && matching.LooselyEqual(in.Message.From, c.Email)
	})
}

// matchByDomainSubject accepts a colleague's reply when the subject correlates. Shared mail
// domains are never matched this way.
func matchByDomainSubject(in MatchInput) *replydomain.SentMessage {
	if !in.Class.IsReply || matching.IsFreemail(matching.Domain(in.Message.From)) {
		return nil
	}
	before := sentBefore(in)
	return first(in.Outstanding, func(s *replydomain.SentMessage) bool {
		c, ok := in.Contacts[s.ContactID]
		return ok && before(s) &&
			matching.SameDomain(in.Message.From, c.Email) &&
			matching.SubjectCorrelates(s.Subject, in.Message.Subject)
	})
}
