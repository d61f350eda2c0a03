// Package version carries the build version stamped into the binaries and
// the client/daemon mismatch check the CLI runs against a live daemon.
package version

import (
	"fmt"
	"regexp"
	"strings"
)

// Injected at build time via -ldflags "-X .../internal/version.version=...".
var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// Override swaps the build version and returns a restore function. Test
// helper; not safe for concurrent use.
func Override(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// git describe appends "-N-gHASH" past the last tag, e.g.
// "0.3.0-5-gabcdef". Those builds still count as 0.3.0 for comparison.
var gitDescribeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

func normalizeVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	return gitDescribeSuffix.ReplaceAllString(v, "")
}

// displayVersion puts the "v" prefix back for warnings. "dev" and empty
// strings pass through untouched.
func displayVersion(v string) string {
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CheckVersionMismatch compares the local build version with the daemon's
// reported one and returns a warning string when they differ. Development
// builds ("dev", the untagged 0.0.0 fallback, empty) never warn.
func CheckVersionMismatch(daemonVersion string) string {
	client := version
	for _, v := range []string{client, daemonVersion} {
		if v == "" || v == "dev" || v == "0.0.0" {
			return ""
		}
	}
	if normalizeVersion(client) == normalizeVersion(daemonVersion) {
		return ""
	}
	return fmt.Sprintf(
		"WARNING: warden %s connected to wardend %s, version mismatch: restart the daemon or reinstall",
		displayVersion(client), displayVersion(daemonVersion),
	)
}
