// Package signal turns raw request context into typed facts: client
// address, subnet bucket, time on page, disposable-email membership and
// the user-agent fingerprint. Everything here is pure and stateless;
// counters live in the shared store, not in this package.
package signal

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// maxTimeOnPage bounds the client-supplied render timestamp; anything
// older is treated as tampered or hopelessly skewed, not as a huge dwell
// time.
const maxTimeOnPage = 24 * time.Hour

// ClientIP extracts the client address: the trusted edge header first,
// then the first X-Forwarded-For hop, then the socket address.
func ClientIP(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(trustedHeader)); v != "" {
			return v
		}
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SubnetBucket returns the containing /24 (IPv4) or /64 (IPv6) network
// for an address, or empty when the address does not parse. The bucket
// is a rate-limiter key, coarse enough to catch rotation within one
// allocation block; it is never shown to users.
func SubnetBucket(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()

	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.String()
}

// TimeOnPage converts the client-supplied epoch-millisecond render
// timestamp into an elapsed duration. The second return is false when
// the value is absent, unparsable, non-positive, in the future, or
// older than 24 hours — absent, not zero, so clock skew is tolerated
// without rewarding tampered values.
func TimeOnPage(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	renderedMs := int64(f)
	if renderedMs <= 0 {
		return 0, false
	}
	elapsed := time.Duration(now.UnixMilli()-renderedMs) * time.Millisecond
	if elapsed < 0 || elapsed > maxTimeOnPage {
		return 0, false
	}
	return elapsed, true
}

// DomainSet is a case-insensitive domain membership set.
type DomainSet map[string]struct{}

// NewDomainSet builds a DomainSet, lowercasing every entry.
func NewDomainSet(domains []string) DomainSet {
	s := make(DomainSet, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			s[d] = struct{}{}
		}
	}
	return s
}

// Contains reports membership, case-insensitively.
func (s DomainSet) Contains(domain string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(domain))]
	return ok
}

// EmailDomain returns the lowercased domain of an e-mail address, or
// empty when the address has no @.
func EmailDomain(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[idx+1:]))
}

// IsDisposable reports whether the address belongs to a known
// disposable-email provider.
func (s DomainSet) IsDisposable(email string) bool {
	domain := EmailDomain(email)
	if domain == "" {
		return false
	}
	return s.Contains(domain)
}

// UserAgentKey hashes a raw user-agent string into a short stable
// counter key. Empty user agents produce an empty key and are not
// counted.
func UserAgentKey(ua string) string {
	if ua == "" {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64String(ua), 16)
}

// SessionID returns the visitor's session identifier from the
// configured cookie, or empty when the cookie is absent.
func SessionID(r *http.Request, cookieName string) string {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// HasSessionCookie reports whether the session cookie is present at
// all, independently of its value.
func HasSessionCookie(r *http.Request, cookieName string) bool {
	_, err := r.Cookie(cookieName)
	return err == nil
}

// Clamp truncates header and field values before they are recorded, so
// an oversized header cannot bloat audit entries.
func Clamp(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
