package netpolicy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is the parsed form of a plugin-supplied destination.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// schemeDefaultPorts maps URL schemes to their implied ports.
var schemeDefaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

// ParseEndpoint parses the destination forms plugins are allowed to supply:
// "scheme://host:port/path", bare "host:port", bare "host", and the "tcp://"
// pseudo-scheme used for raw reachability checks. Ports are defaulted by
// scheme (80/443) when omitted; a bare host defaults to 443.
func ParseEndpoint(raw string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Endpoint{}, fmt.Errorf("netpolicy: empty endpoint")
	}

	scheme := ""
	if idx := strings.Index(s, "://"); idx >= 0 {
		scheme = strings.ToLower(s[:idx])
		s = s[idx+3:]
	}

	// Strip path/query, if any.
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}
	// Strip userinfo. The policy decision only needs host and port.
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		s = s[idx+1:]
	}
	if s == "" {
		return Endpoint{}, fmt.Errorf("netpolicy: endpoint %q has no host", raw)
	}

	host := s
	port := 0

	if h, p, err := net.SplitHostPort(s); err == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 1 || n > 65535 {
			return Endpoint{}, fmt.Errorf("netpolicy: endpoint %q has invalid port %q", raw, p)
		}
		host = h
		port = n
	} else if strings.Count(s, ":") > 1 && !strings.HasPrefix(s, "[") {
		// Bare IPv6 literal without brackets.
		host = s
	}

	if port == 0 {
		switch {
		case scheme == "tcp":
			return Endpoint{}, fmt.Errorf("netpolicy: tcp endpoint %q requires an explicit port", raw)
		case scheme != "":
			def, ok := schemeDefaultPorts[scheme]
			if !ok {
				return Endpoint{}, fmt.Errorf("netpolicy: endpoint %q has unsupported scheme %q", raw, scheme)
			}
			port = def
		default:
			port = 443
		}
	}

	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return Endpoint{}, fmt.Errorf("netpolicy: endpoint %q has no host", raw)
	}

	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}

// matchesDomain reports whether host equals domain or is a subdomain of it.
// Matching is suffix-based on label boundaries: "evil-pastebin.com" does not
// match "pastebin.com", but "www.pastebin.com" does.
func matchesDomain(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "*."))
	if domain == "" {
		return false
	}
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

// matchesAny reports whether host matches any domain in the set.
func matchesAny(host string, domains []string) bool {
	for _, d := range domains {
		if matchesDomain(host, d) {
			return true
		}
	}
	return false
}

// isPrivateOrLoopbackIP reports whether ip is loopback, private, link-local
// or unspecified. A sandboxed plugin has no business reaching any of those.
func isPrivateOrLoopbackIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
