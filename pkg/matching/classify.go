package matching

import (
	"net/textproto"
	"strings"
)

// Headers holds message headers keyed by canonical MIME header key.
type Headers map[string]string

// NewHeaders canonicalizes keys. Later duplicates win.
func NewHeaders(raw map[string]string) Headers {
	h := make(Headers, len(raw))
	for k, v := range raw {
		h[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return h
}

func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

func (h Headers) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = value
}

// Classification is the outcome of header + subject heuristics on an inbound message.
type Classification struct {
	IsReply     bool
	IsAutoReply bool
	IsBounce    bool
}

// Automated reports whether the message should never count as a human reply.
func (c Classification) Automated() bool {
	return c.IsAutoReply || c.IsBounce
}

var autoReplySubjects = []string{
	"out of office", "out of the office", "automatic reply", "auto reply", "auto-reply", "autoreply",
	"away from the office", "on vacation", "on leave", "abwesenheitsnotiz", "réponse automatique",
	"respuesta automática", "risposta automatica", "afwezigheidsbericht",
}

var bounceSubjects = []string{
	"delivery status notification", "undeliverable", "undelivered mail", "mail delivery failed",
	"delivery failure", "returned mail", "failure notice", "mail delivery subsystem",
	"message not delivered", "delivery has failed",
}

var bounceSenders = []string{"mailer-daemon@", "postmaster@", "mail-daemon@"}

// IsAutoReply inspects RFC 3834 and vendor headers, then falls back to subject keywords.
func IsAutoReply(subject string, headers Headers) bool {
	if v := strings.ToLower(strings.TrimSpace(headers.Get("Auto-Submitted"))); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(headers.Get("Precedence"))) {
	case "auto_reply", "bulk", "junk", "list":
		return true
	}
	for _, key := range []string{"X-Autoreply", "X-Autorespond", "X-Auto-Response-Suppress"} {
		v := strings.ToLower(strings.TrimSpace(headers.Get(key)))
		if v == "" {
			continue
		}
		// Outlook sets X-Auto-Response-Suppress on ordinary mail too; only "All"/"OOF" signal automation.
		if key == "X-Auto-Response-Suppress" && !strings.Contains(v, "all") && !strings.Contains(v, "oof") {
			continue
		}
		return true
	}
	if headers.Get("X-Autoreply-From") != "" || headers.Get("X-Mail-Autoreply") != "" {
		return true
	}

	s := strings.ToLower(subject)
	for _, kw := range autoReplySubjects {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// IsBounce detects delivery status notifications.
func IsBounce(from, subject string, headers Headers) bool {
	if strings.Contains(strings.ToLower(headers.Get("Content-Type")), "multipart/report") {
		return true
	}
	if headers.Get("X-Failed-Recipients") != "" {
		return true
	}
	addr := NormalizeAddress(from)
	for _, prefix := range bounceSenders {
		if strings.HasPrefix(addr, prefix) {
			return true
		}
	}
	s := strings.ToLower(subject)
	for _, kw := range bounceSubjects {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// Classify runs all heuristics. A message is a reply when it carries correlation headers or a
// reply-prefixed subject, and is not automated.
func Classify(from, subject string, headers Headers) Classification {
	c := Classification{
		IsAutoReply: IsAutoReply(subject, headers),
		IsBounce:    IsBounce(from, subject, headers),
	}
	correlated := headers.Get("In-Reply-To") != "" || headers.Get("References") != ""
	c.IsReply = !c.Automated() && (correlated || HasReplyPrefix(subject))
	return c
}

// ParseMessageIDs splits an In-Reply-To / References header into bare message ids.
func ParseMessageIDs(raw string) []string {
	var ids []string
	for _, field := range strings.Fields(raw) {
		for _, part := range strings.Split(field, ",") {
			id := strings.Trim(strings.TrimSpace(part), "<>")
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// NormalizeMessageID strips angle brackets and whitespace.
func NormalizeMessageID(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "<>")
}
