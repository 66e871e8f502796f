// Package instance lays out the on-disk state of named relay instances
// under ~/.relay.
package instance

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory when set.
const HomeEnv = "RELAY_HOME"

// BaseDir returns $RELAY_HOME, or ~/.relay.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relay")
}

// Root returns the directory holding every instance.
func Root() string {
	return filepath.Join(BaseDir(), "instances")
}

// Dir returns the instance-specific directory.
func Dir(name string) string {
	return filepath.Join(Root(), name)
}

// ConfigPath returns the instance's relay.toml.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "relay.toml")
}

// EnvPath returns the optional .env file next to relay.toml.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// SocketPath returns the admin UDS path for an instance.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "admin.sock")
}

// LockPath returns the lock file path for an instance.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the SQLite store path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "relay.db")
}

// LogDir returns the log directory for an instance.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "relayd.log")
}

// GlobalConfigPath returns the config shared by all instances.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
