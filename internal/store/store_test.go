package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/connectias/warden/internal/eventbus"
	"github.com/connectias/warden/internal/store"
	"github.com/connectias/warden/internal/trust"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{
		DBPath: filepath.Join(t.TempDir(), "warden.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPinRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok := s.PublicKeyBase64("acme"); ok {
		t.Fatal("unknown developer should not be pinned")
	}

	if err := s.Pin(ctx, "acme", "key-one"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	key, ok := s.PublicKeyBase64("acme")
	if !ok || key != "key-one" {
		t.Fatalf("PublicKeyBase64 = %q, %v; want key-one, true", key, ok)
	}

	// Re-pinning replaces the key.
	if err := s.Pin(ctx, "acme", "key-two"); err != nil {
		t.Fatalf("re-pin: %v", err)
	}
	key, _ = s.PublicKeyBase64("acme")
	if key != "key-two" {
		t.Fatalf("after re-pin key = %q; want key-two", key)
	}

	if err := s.Unpin(ctx, "acme"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if _, ok := s.PublicKeyBase64("acme"); ok {
		t.Fatal("unpinned developer should not resolve")
	}
}

func TestUnpinUnknownDeveloper(t *testing.T) {
	s := openTestStore(t)

	err := s.Unpin(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected NotFoundError")
	}
	if !store.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPinValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Pin(ctx, "", "key"); err == nil {
		t.Fatal("empty developer id should be rejected")
	}
	if err := s.Pin(ctx, "acme", ""); err == nil {
		t.Fatal("empty key should be rejected")
	}
}

func TestListPinsSorted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, dev := range []string{"zephyr", "acme", "midway"} {
		if err := s.Pin(ctx, dev, "key-"+dev); err != nil {
			t.Fatalf("pin %s: %v", dev, err)
		}
	}

	pins, err := s.ListPins(ctx)
	if err != nil {
		t.Fatalf("list pins: %v", err)
	}
	if len(pins) != 3 {
		t.Fatalf("got %d pins; want 3", len(pins))
	}
	want := []string{"acme", "midway", "zephyr"}
	for i, pin := range pins {
		if pin.DeveloperID != want[i] {
			t.Errorf("pins[%d] = %s; want %s", i, pin.DeveloperID, want[i])
		}
		if pin.CreatedAt.IsZero() {
			t.Errorf("pins[%d] has zero CreatedAt", i)
		}
	}
}

func TestStoreImplementsTrustStore(t *testing.T) {
	var _ trust.Store = openTestStore(t)
}

func TestAuditEventsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	events := []eventbus.SecurityEvent{
		{ID: "evt-1", Kind: eventbus.SecuritySpoofingAttempt, PluginID: "plugin-a", Detail: "claimed plugin-b", At: base},
		{ID: "evt-2", Kind: eventbus.SecurityPermissionDenied, PluginID: "plugin-b", Detail: "CAMERA not granted", At: base.Add(time.Minute)},
		{ID: "evt-3", Kind: eventbus.SecurityPermissionDenied, PluginID: "plugin-a", Detail: "INTERNET not granted", At: base.Add(2 * time.Minute)},
	}
	for _, event := range events {
		if err := s.InsertEvent(ctx, event); err != nil {
			t.Fatalf("insert %s: %v", event.ID, err)
		}
	}

	got, err := s.RecentEvents(ctx, 10, "")
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events; want 3", len(got))
	}
	if got[0].ID != "evt-3" || got[2].ID != "evt-1" {
		t.Fatalf("events not newest-first: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[0].Kind != eventbus.SecurityPermissionDenied {
		t.Errorf("kind = %s; want %s", got[0].Kind, eventbus.SecurityPermissionDenied)
	}
	if !got[2].At.Equal(base) {
		t.Errorf("At = %v; want %v", got[2].At, base)
	}
}

func TestRecentEventsPluginFilterAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		plugin := "plugin-a"
		if i%2 == 1 {
			plugin = "plugin-b"
		}
		event := eventbus.SecurityEvent{
			ID:       "evt-" + string(rune('a'+i)),
			Kind:     eventbus.SecuritySpoofingAttempt,
			PluginID: plugin,
			At:       base.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertEvent(ctx, event); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.RecentEvents(ctx, 10, "plugin-a")
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d plugin-a events; want 3", len(got))
	}
	for _, event := range got {
		if event.PluginID != "plugin-a" {
			t.Errorf("unexpected plugin %s in filtered result", event.PluginID)
		}
	}

	got, err = s.RecentEvents(ctx, 2, "")
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events with limit 2; want 2", len(got))
	}
}

func TestInsertEventIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	event := eventbus.SecurityEvent{
		ID:   "evt-dup",
		Kind: eventbus.SecurityUnknownCaller,
		At:   time.Now(),
	}
	if err := s.InsertEvent(ctx, event); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertEvent(ctx, event); err != nil {
		t.Fatalf("replayed insert should be ignored: %v", err)
	}

	got, err := s.RecentEvents(ctx, 10, "")
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events; want 1", len(got))
	}
}

func TestPruneEventsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		event := eventbus.SecurityEvent{
			ID:   "evt-" + string(rune('0'+i)),
			Kind: eventbus.SecuritySpoofingAttempt,
			At:   base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.InsertEvent(ctx, event); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	removed, err := s.PruneEventsBefore(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d events; want 2", removed)
	}

	got, err := s.RecentEvents(ctx, 10, "")
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events after prune; want 2", len(got))
	}
}
