package netpolicy_test

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/connectias/warden/internal/netpolicy"
)

func TestUnregisteredPluginBlocked(t *testing.T) {
	e := netpolicy.NewEngine()

	v := e.Evaluate("ghost", "https://example.com", false)
	if v.Allowed {
		t.Fatal("expected unregistered plugin blocked")
	}
}

func TestDisabledPolicyBlocks(t *testing.T) {
	e := netpolicy.NewEngine()
	e.Register("plugin-a", netpolicy.Config{})
	e.SetEnabled("plugin-a", false)

	if v := e.Evaluate("plugin-a", "https://example.com", false); v.Allowed {
		t.Fatal("expected disabled policy to fail closed")
	}

	e.SetEnabled("plugin-a", true)
	if v := e.Evaluate("plugin-a", "https://example.com", false); !v.Allowed {
		t.Fatalf("expected allow after re-enable, got %s", v.Reason)
	}
}

func TestTelemetryOnlyMode(t *testing.T) {
	e := netpolicy.NewEngine()
	e.Register("plugin-a", netpolicy.Config{TelemetryOnly: true})

	// Non-telemetry request is blocked outright.
	if v := e.Evaluate("plugin-a", "https://example.com", false); v.Allowed {
		t.Fatal("expected non-telemetry request blocked in telemetry-only mode")
	}

	// Flagged telemetry to a recognised analytics domain is allowed.
	if v := e.Evaluate("plugin-a", "https://ssl.google-analytics.com/collect", true); !v.Allowed {
		t.Fatalf("expected telemetry request allowed, got %s", v.Reason)
	}

	// Flagged telemetry to an arbitrary domain still passes the remaining
	// ladder (no allow-list configured here) but gets no bypass.
	if v := e.Evaluate("plugin-a", "https://bit.ly/x", true); v.Allowed {
		t.Fatal("expected shortener blocked even when flagged telemetry")
	}
}

func TestAlwaysBlockedDomains(t *testing.T) {
	e := netpolicy.NewEngine()
	e.Register("plugin-a", netpolicy.Config{
		AllowedDomains: []string{"pastebin.com"}, // allow-list cannot override
		TelemetryOnly:  false,
	})

	for _, endpoint := range []string{
		"https://pastebin.com/raw/abc",
		"http://pastebin.com:8080",
		"pastebin.com:443",
		"https://www.pastebin.com",
	} {
		v := e.Evaluate("plugin-a", endpoint, false)
		if v.Allowed {
			t.Fatalf("expected %s blocked", endpoint)
		}
		if v.Reason != "domain is blocked" {
			t.Fatalf("%s: expected block-list verdict, got %s", endpoint, v.Reason)
		}
	}
}

func TestBlockedDomainSuffixRespectsLabels(t *testing.T) {
	e := netpolicy.NewEngine()
	e.Register("plugin-a", netpolicy.Config{})

	// notpastebin.com shares a suffix with pastebin.com but is a different
	// registrable domain; with no allow-list configured it passes.
	if v := e.Evaluate("plugin-a", "https://notpastebin.com", false); !v.Allowed {
		t.Fatalf("expected notpastebin.com allowed, got %s", v.Reason)
	}
	if v := e.Evaluate("plugin-a", "https://www.pastebin.com", false); v.Allowed {
		t.Fatal("expected subdomain of blocked domain blocked")
	}
}

func TestBlockedPortsPrecedeAllowList(t *testing.T) {
	e := netpolicy.NewEngine()
	e.Register("plugin-a", netpolicy.Config{
		AllowedDomains: []string{"example.com"},
		AllowedPorts:   []int{4444},
	})

	if v := e.Evaluate("plugin-a", "tcp://example.com:4444", false); v.Allowed {
		t.Fatal("expected backdoor port blocked despite allow-list entry")
	}
}

func TestAllowListEnforced(t *testing.T) {
	e := netpolicy.NewEngine()
	e.Register("plugin-a", netpolicy.Config{
		AllowedDomains: []string{"example.com"},
	})

	if v := e.Evaluate("plugin-a", "https://api.example.com/v1", false); !v.Allowed {
		t.Fatalf("expected subdomain of allow-listed domain, got %s", v.Reason)
	}
	if v := e.Evaluate("plugin-a", "https://other.org", false); v.Allowed {
		t.Fatal("expected non-allow-listed domain blocked")
	}
	// Port outside the seeded safe set.
	if v := e.Evaluate("plugin-a", "tcp://example.com:9000", false); v.Allowed {
		t.Fatal("expected non-safe port blocked")
	}
	if v := e.Evaluate("plugin-a", "https://example.com:8443", false); !v.Allowed {
		t.Fatalf("expected seeded safe port allowed, got %s", v.Reason)
	}
}

func TestHeuristics(t *testing.T) {
	e := netpolicy.NewEngine()
	e.Register("plugin-a", netpolicy.Config{})

	cases := []struct {
		endpoint string
		reason   string
	}{
		{"http://93.184.216.34", "direct IP"},
		{"http://192.168.1.1", "private address"},
		{"http://127.0.0.1:8080", "loopback"},
		{"http://169.254.169.254/latest/meta-data", "metadata"},
		{"https://free-stuff.tk", "suspicious TLD"},
		{"https://bit.ly/3xyz", "shortener"},
		{"tcp://example.com:3389", "remote access port"},
	}
	for _, tc := range cases {
		if v := e.Evaluate("plugin-a", tc.endpoint, false); v.Allowed {
			t.Errorf("expected %s blocked (%s)", tc.endpoint, tc.reason)
		}
	}

	if v := e.Evaluate("plugin-a", "https://example.com", false); !v.Allowed {
		t.Fatalf("expected clean endpoint allowed, got %s", v.Reason)
	}
}

func TestEndpointParsing(t *testing.T) {
	cases := []struct {
		raw  string
		host string
		port int
	}{
		{"https://example.com", "example.com", 443},
		{"http://example.com", "example.com", 80},
		{"https://example.com:8443/path?q=1", "example.com", 8443},
		{"example.com:9090", "example.com", 9090},
		{"example.com", "example.com", 443},
		{"tcp://example.com:1234", "example.com", 1234},
		{"wss://example.com", "example.com", 443},
	}
	for _, tc := range cases {
		ep, err := netpolicy.ParseEndpoint(tc.raw)
		if err != nil {
			t.Errorf("%s: %v", tc.raw, err)
			continue
		}
		if ep.Host != tc.host || ep.Port != tc.port {
			t.Errorf("%s: expected %s:%d, got %s:%d", tc.raw, tc.host, tc.port, ep.Host, ep.Port)
		}
	}

	for _, raw := range []string{"", "tcp://example.com", "https://example.com:999999", "ftp://example.com"} {
		if _, err := netpolicy.ParseEndpoint(raw); err == nil {
			t.Errorf("expected parse error for %q", raw)
		}
	}
}

func TestConnectionBudget(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	e := netpolicy.NewEngine(netpolicy.WithClock(now))
	e.Register("plugin-a", netpolicy.Config{MaxConnectionsPerMinute: 3})

	for i := 0; i < 3; i++ {
		if v := e.Evaluate("plugin-a", "https://example.com", false); !v.Allowed {
			t.Fatalf("connection %d: %s", i, v.Reason)
		}
	}
	if v := e.Evaluate("plugin-a", "https://example.com", false); v.Allowed {
		t.Fatal("expected connection budget exhausted")
	}

	mu.Lock()
	current = current.Add(61 * time.Second)
	mu.Unlock()

	if v := e.Evaluate("plugin-a", "https://example.com", false); !v.Allowed {
		t.Fatalf("expected budget restored after window, got %s", v.Reason)
	}
}

type stubRoundTripper struct {
	lastReq *http.Request
}

func (s *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.lastReq = req
	return &http.Response{
		StatusCode:    http.StatusNoContent,
		ContentLength: 0,
		Body:          io.NopCloser(strings.NewReader("")),
		Request:       req,
	}, nil
}

func TestTransportEnforcesPolicy(t *testing.T) {
	e := netpolicy.NewEngine()
	e.Register("plugin-a", netpolicy.Config{TelemetryOnly: true})

	stub := &stubRoundTripper{}
	client := &http.Client{Transport: netpolicy.NewTransport(e, "plugin-a", stub)}

	// Non-telemetry request is blocked before reaching the wire.
	if _, err := client.Get("https://example.com"); err == nil {
		t.Fatal("expected blocked request to error")
	} else if !strings.Contains(err.Error(), "telemetry-only") {
		t.Fatalf("expected telemetry-only reason, got %v", err)
	}
	if stub.lastReq != nil {
		t.Fatal("blocked request must not reach the base transport")
	}

	// Flagged telemetry to a recognised domain goes through, with the
	// marker header stripped.
	req, err := http.NewRequest(http.MethodPost, "https://ssl.google-analytics.com/collect", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(netpolicy.TelemetryHeader, "1")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected telemetry request forwarded: %v", err)
	}
	resp.Body.Close()

	if stub.lastReq == nil {
		t.Fatal("expected request to reach the base transport")
	}
	if stub.lastReq.Header.Get(netpolicy.TelemetryHeader) != "" {
		t.Fatal("telemetry header must be stripped before forwarding")
	}
}
