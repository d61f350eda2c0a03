package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultInstance = "default"
)

// InstancePaths contains all paths for a Warden instance.
type InstancePaths struct {
	Home       string // Instance home directory
	StoreDB    string // SQLite security store path
	Socket     string // Unix socket path
	Lock       string // Daemon lock file path
	Logs       string // Logs directory
	PluginsDir string // Installed plugin packages directory
	Quarantine string // Rejected packages directory
	KeysDir    string // Sealed signing keys directory
	TempDir    string // Temporary files directory
	RunDir     string // Runtime assets directory
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetWardenHome(), "instances", instanceName)

	return InstancePaths{
		Home:       instanceDir,
		StoreDB:    filepath.Join(instanceDir, "warden.db"),
		Socket:     filepath.Join(instanceDir, "warden.sock"),
		Lock:       filepath.Join(instanceDir, "daemon.lock"),
		Logs:       filepath.Join(instanceDir, "logs"),
		PluginsDir: filepath.Join(instanceDir, "plugins"),
		Quarantine: filepath.Join(instanceDir, "quarantine"),
		KeysDir:    filepath.Join(instanceDir, "keys"),
		TempDir:    filepath.Join(instanceDir, "tmp"),
		RunDir:     filepath.Join(instanceDir, "run"),
	}
}

// GetWardenHome returns the Warden home directory (~/.warden).
func GetWardenHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".warden")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.Logs,
		paths.PluginsDir,
		paths.Quarantine,
		paths.KeysDir,
		paths.TempDir,
		paths.RunDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
