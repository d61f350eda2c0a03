// Package identity binds transport-level caller credentials to claimed
// plugin identifiers and issues per-registration session tokens. It is the
// single authority every bridge consults before touching a privileged
// operation: a plugin-supplied id is never trusted until it matches the
// identity resolved from the caller's credential.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/connectias/warden/internal/eventbus"
)

// Credential is the opaque process-level identity supplied by the transport
// (a UID-equivalent). It is the only fact about a caller that plugin code
// cannot forge.
type Credential int64

var (
	// ErrNotFound indicates no session is registered for a credential or token.
	ErrNotFound = errors.New("identity: session not found")
	// ErrSpoofingDetected indicates a claimed plugin id did not match the
	// identity resolved from the caller's credential.
	ErrSpoofingDetected = errors.New("identity: spoofing detected")
)

type session struct {
	pluginID   string
	credential Credential
	token      uint64
	createdAt  time.Time
}

// Manager owns the credential/plugin/token mappings. All mutations are
// linearizable: a single RWMutex guards the three indices so they can never
// disagree, and token allocation uses an atomic counter so tokens are unique
// across unregister/re-register cycles.
type Manager struct {
	logger *log.Logger
	bus    *eventbus.Bus

	tokenCounter atomic.Uint64

	mu           sync.RWMutex
	byCredential map[Credential]*session
	byPlugin     map[string]*session
	byToken      map[uint64]*session
}

// Option configures optional behaviour on the Manager.
type Option func(*Manager)

// WithLogger overrides the logger used for security diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventBus wires the manager to publish security audit events.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// NewManager constructs an identity session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:       log.Default(),
		byCredential: make(map[Credential]*session),
		byPlugin:     make(map[string]*session),
		byToken:      make(map[uint64]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterSession binds pluginID to the caller credential and returns a fresh
// session token. Any prior session for the same pluginID (or holding the same
// credential) is invalidated and replaced.
func (m *Manager) RegisterSession(pluginID string, cred Credential) (uint64, error) {
	if pluginID == "" {
		return 0, fmt.Errorf("identity: empty plugin id")
	}

	token := m.tokenCounter.Add(1)
	sess := &session{
		pluginID:   pluginID,
		credential: cred,
		token:      token,
		createdAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	if prior, ok := m.byPlugin[pluginID]; ok {
		m.removeLocked(prior)
		m.logger.Printf("[Identity] replacing session for plugin %s (token %d -> %d)", pluginID, prior.token, token)
	}
	if prior, ok := m.byCredential[cred]; ok {
		// The credential moved to a different plugin id. The old binding is
		// stale (sandbox process reuse); drop it so one credential never
		// resolves to two identities.
		m.removeLocked(prior)
		m.logger.Printf("[Identity] credential %d rebound from plugin %s to %s", cred, prior.pluginID, pluginID)
	}
	m.byCredential[cred] = sess
	m.byPlugin[pluginID] = sess
	m.byToken[token] = sess
	m.mu.Unlock()

	return token, nil
}

// ResolveIdentity returns the plugin id registered for the credential.
// Unregistered credentials yield ErrNotFound; this is a pure lookup and
// never panics on hostile input.
func (m *Manager) ResolveIdentity(cred Credential) (string, error) {
	m.mu.RLock()
	sess, ok := m.byCredential[cred]
	m.mu.RUnlock()

	if !ok {
		m.logger.Printf("[Identity] no session for credential %d", cred)
		return "", ErrNotFound
	}
	return sess.pluginID, nil
}

// ValidateClaim resolves the caller's true identity from its credential and
// compares it to the claimed plugin id. A mismatch is a spoofing attempt:
// it is audited as a security event and returns ErrSpoofingDetected. The
// registered session is left untouched either way.
func (m *Manager) ValidateClaim(claimedPluginID string, cred Credential) (string, error) {
	verified, err := m.ResolveIdentity(cred)
	if err != nil {
		m.publishSecurityEvent(eventbus.SecurityUnknownCaller, claimedPluginID,
			fmt.Sprintf("claim %q from unregistered credential", claimedPluginID))
		return "", ErrNotFound
	}

	if verified != claimedPluginID {
		m.logger.Printf("[Identity] SPOOFING: credential %d (plugin %s) claimed identity %q", cred, verified, claimedPluginID)
		m.publishSecurityEvent(eventbus.SecuritySpoofingAttempt, verified,
			fmt.Sprintf("claimed %q, verified %q", claimedPluginID, verified))
		return "", ErrSpoofingDetected
	}

	return verified, nil
}

// ValidateSessionToken returns the plugin id bound to a session token.
func (m *Manager) ValidateSessionToken(token uint64) (string, error) {
	m.mu.RLock()
	sess, ok := m.byToken[token]
	m.mu.RUnlock()

	if !ok {
		return "", ErrNotFound
	}
	return sess.pluginID, nil
}

// UnregisterSession removes the session for pluginID from all three indices
// atomically. It reports whether a session existed.
func (m *Manager) UnregisterSession(pluginID string) bool {
	m.mu.Lock()
	sess, ok := m.byPlugin[pluginID]
	if ok {
		m.removeLocked(sess)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Printf("[Identity] unregistered session for plugin %s", pluginID)
	}
	return ok
}

// SessionCount returns the number of active sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPlugin)
}

// removeLocked deletes a session from all indices. Caller holds m.mu.
func (m *Manager) removeLocked(sess *session) {
	// Only delete index entries still pointing at this session; a newer
	// registration may already own the credential slot.
	if cur, ok := m.byCredential[sess.credential]; ok && cur == sess {
		delete(m.byCredential, sess.credential)
	}
	if cur, ok := m.byPlugin[sess.pluginID]; ok && cur == sess {
		delete(m.byPlugin, sess.pluginID)
	}
	delete(m.byToken, sess.token)
}

func (m *Manager) publishSecurityEvent(kind eventbus.SecurityEventKind, pluginID, detail string) {
	eventbus.Publish(context.Background(), m.bus, eventbus.Audit.Security, eventbus.SourceIdentityManager, eventbus.SecurityEvent{
		ID:       uuid.New().String(),
		Kind:     kind,
		PluginID: pluginID,
		Detail:   detail,
		At:       time.Now().UTC(),
	})
}
