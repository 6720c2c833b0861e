package email

import "strings"

// RedactAddress masks an email address for logging: "john@example.com"
// becomes "j***@example.com". A string without "@" is masked entirely.
func RedactAddress(addr string) string {
	if addr == "" {
		return ""
	}
	local, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return "***"
	}
	if local == "" {
		return "***@" + domain
	}
	return local[:1] + "***@" + domain
}

// RedactAll applies RedactAddress to each address.
func RedactAll(addrs []string) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = RedactAddress(a)
	}
	return out
}
