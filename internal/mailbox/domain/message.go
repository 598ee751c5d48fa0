package domain

import (
	"time"

	"replywatch-backend/pkg/matching"
)

// ProviderType is the closed set of supported mailbox providers.
type ProviderType string

const (
	ProviderGmail   ProviderType = "gmail"   // incremental change log (history API)
	ProviderOutlook ProviderType = "outlook" // delta query
	ProviderIMAP    ProviderType = "imap"    // polling only
)

// Message is a provider message normalized for detection and sync.
type Message struct {
	ID         string // provider message id, the dedup key
	ThreadID   string
	MessageID  string // RFC 5322 Message-ID without angle brackets
	InReplyTo  []string
	References []string
	From       string // bare lowercased address
	FromName   string
	To         []string
	Subject    string
	Snippet    string
	Body       string
	Headers    matching.Headers
	ReceivedAt time.Time
}

// Classify runs the reply/auto-reply/bounce heuristics on the message.
func (m *Message) Classify() matching.Classification {
	return matching.Classify(m.From, m.Subject, m.Headers)
}

// CorrelationIDs returns every message id this message claims to answer.
func (m *Message) CorrelationIDs() []string {
	ids := make([]string, 0, len(m.InReplyTo)+len(m.References))
	ids = append(ids, m.InReplyTo...)
	ids = append(ids, m.References...)
	return ids
}

// SearchQuery is a provider-neutral search. Empty fields are ignored; all set fields are ANDed.
type SearchQuery struct {
	From       string // exact sender address
	FromDomain string // sender domain, without "@"
	Text       string // free text (display name)
	Subject    string
	After      time.Time
	MaxResults int
}

// Account carries the credentials a connector needs to open a provider session for one user.
type Account struct {
	UserID       string
	Email        string
	Provider     ProviderType
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	IMAPServer   string
	IMAPPort     int
	IMAPPassword string // plaintext, decrypted by the caller
}
