package matching

import (
	"net/mail"
	"strings"
)

// NormalizeAddress extracts the bare address from a header value ("Name <a@b>") and lowercases it.
func NormalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(raw, "<"); i >= 0 {
		if j := strings.Index(raw[i:], ">"); j > 0 {
			return strings.ToLower(strings.TrimSpace(raw[i+1 : i+j]))
		}
	}
	return strings.ToLower(strings.Trim(raw, "<> \""))
}

// DisplayName returns the display-name part of a From header, if any.
func DisplayName(raw string) string {
	if addr, err := mail.ParseAddress(strings.TrimSpace(raw)); err == nil {
		return addr.Name
	}
	if i := strings.Index(raw, "<"); i > 0 {
		return strings.Trim(strings.TrimSpace(raw[:i]), "\"")
	}
	return ""
}

// Domain returns the lowercased domain of an address, or "" when there is none.
func Domain(addr string) string {
	addr = NormalizeAddress(addr)
	i := strings.LastIndex(addr, "@")
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return addr[i+1:]
}

// LocalBase returns the local part with any "+tag" sub-address removed.
func LocalBase(addr string) string {
	addr = NormalizeAddress(addr)
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	local := addr[:i]
	if p := strings.Index(local, "+"); p >= 0 {
		local = local[:p]
	}
	return local
}

// LooselyEqual reports whether two addresses belong to the same mailbox: same domain and same
// local part once "+tag" sub-addressing is stripped. a@x.com matches a+tag@x.com.
func LooselyEqual(a, b string) bool {
	da, db := Domain(a), Domain(b)
	if da == "" || da != db {
		return false
	}
	la, lb := LocalBase(a), LocalBase(b)
	return la != "" && la == lb
}

// SameDomain reports whether both addresses share a non-empty domain.
func SameDomain(a, b string) bool {
	d := Domain(a)
	return d != "" && d == Domain(b)
}

var freemailDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "yahoo.com": {}, "ymail.com": {}, "outlook.com": {},
	"hotmail.com": {}, "live.com": {}, "msn.com": {}, "icloud.com": {}, "me.com": {}, "aol.com": {},
	"proton.me": {}, "protonmail.com": {}, "gmx.com": {}, "mail.com": {}, "yandex.com": {},
}

// IsFreemail reports whether the domain is a shared consumer mailbox provider, where a domain
// match says nothing about the sender being a colleague of the contact.
func IsFreemail(domain string) bool {
	_, ok := freemailDomains[strings.ToLower(domain)]
	return ok
}
