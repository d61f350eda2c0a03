package daemon

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/connectias/warden/internal/host"
	"github.com/connectias/warden/internal/host/scriptplugin"
	"github.com/connectias/warden/internal/identity"
	"github.com/connectias/warden/internal/manifest"
	"github.com/connectias/warden/internal/pkgverify"
)

// criticalPermissionSet lists permissions that can never be granted to
// sandboxed plugins, whatever the manifest declares.
var criticalPermissionSet = map[string]bool{
	"WRITE_SECURE_SETTINGS":   true,
	"INSTALL_PACKAGES":        true,
	"SYSTEM_ALERT_WINDOW":     true,
	"MANAGE_EXTERNAL_STORAGE": true,
}

// grantTable is the daemon's permission manager: grants come from verified
// package manifests, minus the critical set.
type grantTable struct {
	mu     sync.RWMutex
	grants map[string]map[string]bool
}

func newGrantTable() *grantTable {
	return &grantTable{grants: make(map[string]map[string]bool)}
}

func (t *grantTable) IsPermissionAllowed(pluginID, permission string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.grants[pluginID][permission]
}

func (t *grantTable) CriticalPermissions(permissions []string) []string {
	var critical []string
	for _, permission := range permissions {
		if criticalPermissionSet[permission] {
			critical = append(critical, permission)
		}
	}
	sort.Strings(critical)
	return critical
}

func (t *grantTable) grant(pluginID string, permissions []string) {
	granted := make(map[string]bool, len(permissions))
	for _, permission := range permissions {
		if criticalPermissionSet[permission] {
			continue
		}
		granted[permission] = true
	}
	t.mu.Lock()
	t.grants[pluginID] = granted
	t.mu.Unlock()
}

func (t *grantTable) revoke(pluginID string) {
	t.mu.Lock()
	delete(t.grants, pluginID)
	t.mu.Unlock()
}

// permissions returns the daemon's permission manager, creating it lazily.
func (d *Daemon) permissions() *grantTable {
	if d.grants == nil {
		d.grants = newGrantTable()
	}
	return d.grants
}

// inertPlugin backs declarative-only packages that ship no entry script.
type inertPlugin struct{}

func (inertPlugin) OnLoad(ctx context.Context) error    { return nil }
func (inertPlugin) OnEnable(ctx context.Context) error  { return nil }
func (inertPlugin) OnDisable(ctx context.Context) error { return nil }
func (inertPlugin) OnUnload(ctx context.Context) error  { return nil }

// loadInstalledPlugins verifies every package in the plugins directory and
// loads the ones that pass. Packages that fail verification are moved to
// quarantine.
func (d *Daemon) loadInstalledPlugins(ctx context.Context) error {
	pattern := filepath.Join(d.paths.PluginsDir, "*.zip")
	packages, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("daemon: scan plugins directory: %w", err)
	}
	sort.Strings(packages)

	verifier := pkgverify.NewVerifier(d.store,
		pkgverify.WithLogger(d.logger),
		pkgverify.WithEventBus(d.bus),
	)

	for _, path := range packages {
		if err := d.loadPackage(ctx, verifier, path); err != nil {
			d.logger.Printf("[Daemon] Package %s: %v", filepath.Base(path), err)
		}
	}
	return nil
}

func (d *Daemon) loadPackage(ctx context.Context, verifier *pkgverify.Verifier, path string) error {
	result := verifier.VerifyFile(path)
	switch result.Status {
	case pkgverify.StatusFailed:
		return d.quarantine(path, result.Reason)
	case pkgverify.StatusSuspicious:
		d.logger.Printf("[Daemon] Package %s is suspicious: %v", filepath.Base(path), result.Warnings)
	}

	m, entryScript, err := readPackage(path)
	if err != nil {
		return err
	}

	var plugin host.Plugin = inertPlugin{}
	if entryScript != "" {
		scripted, err := scriptplugin.LoadSource(m.Name, entryScript, scriptplugin.WithLogger(d.logger))
		if err != nil {
			return d.quarantine(path, err.Error())
		}
		plugin = scripted
	}

	d.permissions().grant(m.Name, m.Permissions)

	err = d.host.Load(ctx, host.LoadSpec{
		PluginID:     m.Name,
		Credential:   d.nextCredential(),
		Plugin:       plugin,
		Dependencies: len(m.Dependencies),
		HeavyUI:      m.HeavyUI,
	})
	if err != nil {
		d.permissions().revoke(m.Name)
		return err
	}

	d.logger.Printf("[Daemon] Loaded plugin %s (developer %s) from %s", m.Name, result.DeveloperID, filepath.Base(path))
	return nil
}

// quarantine moves a rejected package out of the plugins directory so the
// next start does not retry it.
func (d *Daemon) quarantine(path, reason string) error {
	target := filepath.Join(d.paths.Quarantine, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("quarantine rejected package: %w (rejection: %s)", err, reason)
	}
	d.logger.Printf("[Daemon] Quarantined %s: %s", filepath.Base(path), reason)
	return nil
}

// readPackage extracts the manifest and, when declared, the entry script
// from an already-verified archive.
func readPackage(path string) (*manifest.Manifest, string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("open package: %w", err)
	}
	defer r.Close()

	manifestData, err := readArchiveEntry(&r.Reader, manifest.FileName)
	if err != nil {
		return nil, "", err
	}
	m, _, err := manifest.Parse(manifestData)
	if err != nil {
		return nil, "", err
	}

	if m.Entry == "" {
		return m, "", nil
	}
	entryData, err := readArchiveEntry(&r.Reader, m.Entry)
	if err != nil {
		return nil, "", err
	}
	return m, string(entryData), nil
}

func readArchiveEntry(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("package is missing %s", name)
}

var credentialCounter atomic.Int64

// nextCredential mints a transport credential for a locally loaded plugin.
// On Android this is the sandbox process uid; locally a monotonic value
// stands in.
func (d *Daemon) nextCredential() identity.Credential {
	return identity.Credential(int64(os.Getpid())<<20 + credentialCounter.Add(1))
}
