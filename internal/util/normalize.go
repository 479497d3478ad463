package util

import (
	"net/mail"
	"strings"
)

// NormalizeSender extracts and normalizes an email address from a From header.
// - Parses RFC 5322 "From" values like "Name <user+alias@Example.COM>"
// - Lowercases
// - Strips +alias in local part: user+news@x.com -> user@x.com
// Returns empty string if parsing fails or address is missing.
func NormalizeSender(fromHeader string) string {
	addr := parseFrom(fromHeader)
	if addr == nil {
		return ""
	}

	email := strings.ToLower(strings.TrimSpace(addr.Address))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return email
	}
	local := email[:at]
	domain := email[at+1:]

	if plus := strings.IndexByte(local, '+'); plus > -1 {
		local = local[:plus]
	}
	// Dots are kept: only some providers ignore them.
	return local + "@" + domain
}

// ParseSender splits a From header into a display name and a lowercased
// address. When the header carries no display name, the name is derived from
// the address domain ("noreply@amazon.com" -> "Amazon").
func ParseSender(fromHeader string) (name, address string) {
	addr := parseFrom(fromHeader)
	if addr == nil {
		return "", ""
	}
	address = strings.ToLower(strings.TrimSpace(addr.Address))
	name = strings.Trim(strings.TrimSpace(addr.Name), `"'`)
	if name == "" {
		name = nameFromDomain(address)
	}
	return name, address
}

func parseFrom(fromHeader string) *mail.Address {
	if fromHeader == "" {
		return nil
	}
	addr, err := mail.ParseAddress(fromHeader)
	if err == nil && addr != nil {
		return addr
	}
	// Some headers may be a list; take the first valid entry.
	for _, p := range strings.Split(fromHeader, ",") {
		a, e := mail.ParseAddress(strings.TrimSpace(p))
		if e == nil && a != nil {
			return a
		}
	}
	return nil
}

func nameFromDomain(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 || at == len(address)-1 {
		return address
	}
	label := address[at+1:]
	if dot := strings.IndexByte(label, '.'); dot > 0 {
		label = label[:dot]
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
