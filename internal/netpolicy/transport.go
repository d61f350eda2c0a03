package netpolicy

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

// TelemetryHeader marks an outbound request as plugin telemetry traffic.
// The header is consumed by the transport and stripped before forwarding.
const TelemetryHeader = "X-Warden-Telemetry"

// Transport is an http.RoundTripper that submits every outbound request to
// the policy engine before forwarding it to the base transport. It is handed
// to the network bridge so a plugin's HTTP traffic cannot bypass policy.
type Transport struct {
	base     http.RoundTripper
	engine   *Engine
	pluginID string

	bytesOut atomic.Int64
	bytesIn  atomic.Int64

	// OnVerdict, when set, observes every decision made for this transport.
	OnVerdict func(endpoint string, v Verdict)
}

// NewTransport wraps base with policy enforcement for pluginID. A nil base
// uses http.DefaultTransport.
func NewTransport(engine *Engine, pluginID string, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, engine: engine, pluginID: pluginID}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	endpoint := req.URL.String()
	telemetry := req.Header.Get(TelemetryHeader) != ""

	v := t.engine.Evaluate(t.pluginID, endpoint, telemetry)
	if t.OnVerdict != nil {
		t.OnVerdict(endpoint, v)
	}
	if !v.Allowed {
		return nil, fmt.Errorf("netpolicy: egress blocked for plugin %s: %s", t.pluginID, v.Reason)
	}

	if telemetry {
		req = req.Clone(req.Context())
		req.Header.Del(TelemetryHeader)
	}

	if req.ContentLength > 0 {
		t.bytesOut.Add(req.ContentLength)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > 0 {
		t.bytesIn.Add(resp.ContentLength)
	}
	return resp, nil
}

// BytesOut returns the cumulative declared request body bytes.
func (t *Transport) BytesOut() int64 { return t.bytesOut.Load() }

// BytesIn returns the cumulative declared response body bytes.
func (t *Transport) BytesIn() int64 { return t.bytesIn.Load() }
