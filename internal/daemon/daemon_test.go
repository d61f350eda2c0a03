package daemon_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/connectias/warden/internal/config"
	"github.com/connectias/warden/internal/daemon"
	"github.com/connectias/warden/internal/eventbus"
	"github.com/connectias/warden/internal/signing"
)

const testEntryScript = `
module.exports = {
	onLoad: function() {},
	onEnable: function() {},
	onDisable: function() {},
	onUnload: function() {}
};
`

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	d, err := daemon.New(daemon.Options{
		GRPCAddr: "127.0.0.1:0",
		HTTPAddr: "127.0.0.1:0",
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func buildArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func signedPackage(t *testing.T, priv *ecdsa.PrivateKey, developerID, name, permissions string) []byte {
	t.Helper()
	manifestYAML := fmt.Sprintf(
		"name: %s\nversion: 1.0.0\ndeveloperId: %s\npermissions: [%s]\nentry: main.js\n",
		name, developerID, permissions)
	archive := buildArchive(t, map[string]string{
		"plugin.yaml": manifestYAML,
		"main.js":     testEntryScript,
	})
	signed, err := signing.SignPackage(archive, priv, developerID)
	if err != nil {
		t.Fatalf("SignPackage: %v", err)
	}
	return signed
}

func installPackage(t *testing.T, fileName string, data []byte) {
	t.Helper()
	paths := config.GetInstancePaths(config.DefaultInstance)
	if err := os.WriteFile(filepath.Join(paths.PluginsDir, fileName), data, 0o644); err != nil {
		t.Fatalf("install package: %v", err)
	}
}

func pinDeveloper(t *testing.T, d *daemon.Daemon, priv *ecdsa.PrivateKey, developerID string) {
	t.Helper()
	pub, err := signing.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	if err := d.Store().Pin(context.Background(), developerID, pub); err != nil {
		t.Fatalf("Pin: %v", err)
	}
}

func TestStartLoadsVerifiedPackages(t *testing.T) {
	d := newTestDaemon(t)

	priv, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pinDeveloper(t, d, priv, "dev.alice")
	installPackage(t, "clock.zip", signedPackage(t, priv, "dev.alice", "clock", "INTERNET"))

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Shutdown()

	ids := d.Host().PluginIDs()
	if len(ids) != 1 || ids[0] != "clock" {
		t.Fatalf("loaded plugins = %v, want [clock]", ids)
	}

	resp, err := http.Get("http://" + d.HTTPAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var status struct {
		Version     string `json:"version"`
		Plugins     int    `json:"plugins"`
		GRPCAddress string `json:"grpcAddress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Plugins != 1 {
		t.Errorf("status.Plugins = %d, want 1", status.Plugins)
	}
	if status.Version == "" {
		t.Error("status.Version is empty")
	}
	if status.GRPCAddress != d.GatewayInfo().Address {
		t.Errorf("status.GRPCAddress = %q, want %q", status.GRPCAddress, d.GatewayInfo().Address)
	}
}

func TestUnpinnedDeveloperIsQuarantined(t *testing.T) {
	d := newTestDaemon(t)

	priv, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	installPackage(t, "rogue.zip", signedPackage(t, priv, "dev.mallory", "rogue", "INTERNET"))

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Shutdown()

	if ids := d.Host().PluginIDs(); len(ids) != 0 {
		t.Fatalf("loaded plugins = %v, want none", ids)
	}

	paths := config.GetInstancePaths(config.DefaultInstance)
	if _, err := os.Stat(filepath.Join(paths.Quarantine, "rogue.zip")); err != nil {
		t.Errorf("package not quarantined: %v", err)
	}
	if _, err := os.Stat(filepath.Join(paths.PluginsDir, "rogue.zip")); !os.IsNotExist(err) {
		t.Errorf("package still installed, stat err = %v", err)
	}
}

func TestTamperedPackageIsQuarantined(t *testing.T) {
	d := newTestDaemon(t)

	priv, err := signing.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pinDeveloper(t, d, priv, "dev.alice")

	signed := signedPackage(t, priv, "dev.alice", "clock", "INTERNET")
	installPackage(t, "clock.zip", tamperEntry(t, signed, "main.js", "module.exports = { onLoad: function() { stealEverything(); } };"))

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Shutdown()

	if ids := d.Host().PluginIDs(); len(ids) != 0 {
		t.Fatalf("loaded plugins = %v, want none", ids)
	}
	paths := config.GetInstancePaths(config.DefaultInstance)
	if _, err := os.Stat(filepath.Join(paths.Quarantine, "clock.zip")); err != nil {
		t.Errorf("package not quarantined: %v", err)
	}
}

// tamperEntry rewrites one archive entry in place, leaving the signature
// record untouched so the content digest no longer matches.
func tamperEntry(t *testing.T, archive []byte, name, content string) []byte {
	t.Helper()
	src, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	var buf bytes.Buffer
	dst := zip.NewWriter(&buf)
	for _, f := range src.File {
		entry, err := dst.Create(f.Name)
		if err != nil {
			t.Fatalf("create %s: %v", f.Name, err)
		}
		if f.Name == name {
			if _, err := entry.Write([]byte(content)); err != nil {
				t.Fatalf("write %s: %v", f.Name, err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		if _, err := io.Copy(entry, rc); err != nil {
			t.Fatalf("copy %s: %v", f.Name, err)
		}
		rc.Close()
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func TestAuditEndpoint(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Shutdown()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i, pluginID := range []string{"clock", "weather", "clock"} {
		event := eventbus.SecurityEvent{
			ID:       uuid.NewString(),
			Kind:     eventbus.SecurityPermissionDenied,
			PluginID: pluginID,
			Detail:   fmt.Sprintf("event %d", i),
			At:       base.Add(time.Duration(i) * time.Second),
		}
		if err := d.Store().InsertEvent(ctx, event); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	resp, err := http.Get("http://" + d.HTTPAddr() + "/audit?plugin=clock")
	if err != nil {
		t.Fatalf("GET /audit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var events []eventbus.SecurityEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	for _, event := range events {
		if event.PluginID != "clock" {
			t.Errorf("event plugin = %q, want clock", event.PluginID)
		}
	}
	if !events[0].At.After(events[1].At) {
		t.Errorf("events not newest first: %v then %v", events[0].At, events[1].At)
	}

	resp, err = http.Get("http://" + d.HTTPAddr() + "/audit?limit=bogus")
	if err != nil {
		t.Fatalf("GET /audit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status code = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestIsRunningLifecycle(t *testing.T) {
	d := newTestDaemon(t)

	if daemon.IsRunning(config.DefaultInstance) {
		t.Fatal("IsRunning true before Start")
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !daemon.IsRunning(config.DefaultInstance) {
		t.Error("IsRunning false after Start")
	}

	second, err := daemon.New(daemon.Options{
		GRPCAddr: "127.0.0.1:0",
		HTTPAddr: "127.0.0.1:0",
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("New second daemon: %v", err)
	}
	if err := second.Start(); err == nil {
		second.Shutdown()
		t.Error("second Start succeeded while lock held")
	}

	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if daemon.IsRunning(config.DefaultInstance) {
		t.Error("IsRunning true after Shutdown")
	}
	if err := d.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
