package identity

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientAddr returns the client address for r. Trusted headers are consulted
// in order and the first one holding a parseable address wins; for list
// headers such as X-Forwarded-For only the left-most entry is used. Without a
// usable header the peer address is returned. The result may be empty.
func ClientAddr(r *http.Request, trustedHeaders []string) string {
	for _, h := range trustedHeaders {
		if ip := firstIP(r.Header.Get(h)); ip != "" {
			return trimIPv4Mapping(ip)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return ""
	}
	return trimIPv4Mapping(host)
}

func trimIPv4Mapping(s string) string {
	return strings.TrimPrefix(s, "::ffff:")
}

func firstIP(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if _, err := netip.ParseAddr(s); err != nil {
		return ""
	}
	return s
}
