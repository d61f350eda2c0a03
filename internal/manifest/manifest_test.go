package manifest_test

import (
	"strings"
	"testing"

	"github.com/connectias/warden/internal/manifest"
)

func TestParseFullManifest(t *testing.T) {
	m, warnings, err := manifest.Parse([]byte(`
name: weather-widget
version: 1.2.0
developerId: dev-acme
description: Shows the weather.
permissions:
  - INTERNET
  - FILE_READ
dependencies:
  - charts
entry: main.js
heavyUI: true
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if m.Name != "weather-widget" || m.DeveloperID != "dev-acme" || !m.HeavyUI {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if len(m.Permissions) != 2 || len(m.Dependencies) != 1 {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestStructuralErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"not yaml", "{unclosed"},
		{"missing developerId", "name: x\nversion: 1.0.0"},
		{"missing name", "developerId: dev-a\nversion: 1.0.0"},
		{"entry escapes package", "name: x\ndeveloperId: dev-a\nentry: ../../etc/passwd"},
		{"absolute entry", "name: x\ndeveloperId: dev-a\nentry: /bin/sh"},
	}
	for _, tc := range cases {
		if _, _, err := manifest.Parse([]byte(tc.yaml)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestWarnings(t *testing.T) {
	_, warnings, err := manifest.Parse([]byte(`
name: x
developerId: dev-a
permissions: [CAMERA, CAMERA, TELEPATHY]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	joined := strings.Join(warnings, "; ")
	if len(warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", warnings)
	}
	if !strings.Contains(joined, "no version") ||
		!strings.Contains(joined, "duplicate permission CAMERA") ||
		!strings.Contains(joined, "unknown permission TELEPATHY") {
		t.Fatalf("unexpected warnings %v", warnings)
	}
}
