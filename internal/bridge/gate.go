package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/connectias/warden/internal/behavior"
	"github.com/connectias/warden/internal/eventbus"
	"github.com/connectias/warden/internal/identity"
)

// Credential is the transport-level caller credential the wrappers pass
// through to the identity manager.
type Credential = identity.Credential

// ErrDenied is the sentinel all gate rejections wrap.
var ErrDenied = errors.New("bridge: access denied")

// DeniedError reports a rejected bridge call. The reason is descriptive but
// never leaks another plugin's identity or state.
type DeniedError struct {
	Capability Capability
	Reason     string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("bridge: %s denied: %s", e.Capability, e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// IdentityResolver validates a caller's claimed identity against its
// transport credential. *identity.Manager implements it.
type IdentityResolver interface {
	ValidateClaim(claimedPluginID string, cred identity.Credential) (string, error)
}

// PermissionChecker is the external permission manager consulted before a
// capability is exercised.
type PermissionChecker interface {
	IsPermissionAllowed(pluginID, permission string) bool
	CriticalPermissions(permissions []string) []string
}

// Decision is the gate's fail-closed result. PluginID is set only on allow
// and carries the verified identity the delegate must use.
type Decision struct {
	Allowed  bool
	PluginID string
	Reason   string
}

// Deny converts a blocking decision into the error returned to the caller.
// Calling Deny on an allowing decision is a programming error and panics.
func (d Decision) Deny(c Capability) error {
	if d.Allowed {
		panic("bridge: Deny called on allowing decision")
	}
	return &DeniedError{Capability: c, Reason: d.Reason}
}

// Gate performs the checks shared by every secure wrapper: resolve the
// verified identity, reject claim mismatches, pre-check the permission.
type Gate struct {
	identity IdentityResolver
	perms    PermissionChecker
	recorder *behavior.Recorder
	logger   *log.Logger
	bus      *eventbus.Bus
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(logger *log.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithEventBus sets the bus violation audits are published on.
func WithEventBus(bus *eventbus.Bus) GateOption {
	return func(g *Gate) { g.bus = bus }
}

// WithRecorder attaches the behavior recorder that observes admitted calls.
func WithRecorder(r *behavior.Recorder) GateOption {
	return func(g *Gate) { g.recorder = r }
}

// NewGate constructs a gate over the identity manager and permission
// checker.
func NewGate(resolver IdentityResolver, perms PermissionChecker, opts ...GateOption) *Gate {
	g := &Gate{
		identity: resolver,
		perms:    perms,
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize runs the gate for one call. On allow, the returned decision
// carries the verified plugin id and the call has been recorded; on deny,
// the decision carries a reason and the violation has been audited.
func (g *Gate) Authorize(claimedPluginID string, cred identity.Credential, c Capability) Decision {
	verified, err := g.identity.ValidateClaim(claimedPluginID, cred)
	if err != nil {
		// The identity manager audits unknown callers and spoofing
		// attempts itself.
		if errors.Is(err, identity.ErrSpoofingDetected) {
			return Decision{Reason: "identity mismatch"}
		}
		return Decision{Reason: "caller identity unknown"}
	}

	permission := c.Permission()
	if permission == "" || g.perms == nil || !g.perms.IsPermissionAllowed(verified, permission) {
		g.logger.Printf("[Bridge] permission denied: plugin %s lacks %s", verified, permission)
		g.audit(eventbus.SecurityPermissionDenied, verified,
			fmt.Sprintf("capability %s requires %s", c, permission))
		return Decision{Reason: "permission not granted"}
	}

	if g.recorder != nil {
		g.recorder.RecordAPICall(verified, c.Method())
		g.recorder.RecordPermission(verified, permission)
	}
	return Decision{Allowed: true, PluginID: verified}
}

// Recorder returns the attached behavior recorder, nil when none is set.
// Wrappers use it for operation-specific observations (paths, endpoints).
func (g *Gate) Recorder() *behavior.Recorder { return g.recorder }

func (g *Gate) audit(kind eventbus.SecurityEventKind, pluginID, detail string) {
	eventbus.Publish(context.Background(), g.bus, eventbus.Audit.Security, eventbus.SourceBridge, eventbus.SecurityEvent{
		ID:       uuid.NewString(),
		Kind:     kind,
		PluginID: pluginID,
		Detail:   detail,
		At:       g.now().UTC(),
	})
}
