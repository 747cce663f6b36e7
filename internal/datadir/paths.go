package datadir

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.duet.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".duet")
}

// Resolve picks the data directory: an explicit flag wins over the config
// file value, and both fall back to BaseDir.
func Resolve(flagOverride, configured string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if configured != "" {
		return configured
	}
	return BaseDir()
}

// DBPath returns the thread store path.
func DBPath(dir string) string {
	return filepath.Join(dir, "duet.db")
}

// LockPath returns the single-instance lock file path.
func LockPath(dir string) string {
	return filepath.Join(dir, "LOCK")
}

// LogDir returns the log directory.
func LogDir(dir string) string {
	return filepath.Join(dir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dir string) string {
	return filepath.Join(LogDir(dir), "duetd.log")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the data directory tree with proper permissions.
func EnsureDir(dir string) error {
	for _, d := range []string{dir, LogDir(dir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
