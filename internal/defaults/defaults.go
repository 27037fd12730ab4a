// Package defaults provides the data directory location and the embedded
// starter configuration copied there on first run.
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/NeboChat/
//	Windows: %AppData%\NeboChat\
//	Linux:   ~/.config/nebochat/
//
// Override with NEBOCHAT_DATA_DIR environment variable.
package defaults

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

//go:embed dotnebochat/*
var defaultFiles embed.FS

// DataDir returns the platform-appropriate data directory.
// Set NEBOCHAT_DATA_DIR to override.
func DataDir() (string, error) {
	if dir := os.Getenv("NEBOCHAT_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}

	// Linux: lowercase per XDG convention
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "nebochat"), nil
	}
	return filepath.Join(configDir, "NeboChat"), nil
}

// EnsureDir creates dir if needed and copies any missing default files into it.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return copyDefaults(dir, false)
}

// Reset replaces the config files in dir with defaults. The database is preserved.
func Reset(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return copyDefaults(dir, true)
}

// copyDefaults copies embedded default files to the data directory.
// If overwrite is true, existing files are replaced.
func copyDefaults(dir string, overwrite bool) error {
	return fs.WalkDir(defaultFiles, "dotnebochat", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "dotnebochat" {
			return nil
		}

		// embed.FS always uses forward slashes
		relPath := strings.TrimPrefix(path, "dotnebochat/")
		destPath := filepath.Join(dir, relPath)

		if d.IsDir() {
			return os.MkdirAll(destPath, 0755)
		}

		if !overwrite {
			if _, err := os.Stat(destPath); err == nil {
				return nil
			}
		}

		data, err := defaultFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read embedded %s: %w", path, err)
		}
		if err := os.WriteFile(destPath, data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", destPath, err)
		}
		return nil
	})
}

// GetDefault returns the content of a default file by name.
// Example: GetDefault("config.yaml")
func GetDefault(name string) ([]byte, error) {
	return defaultFiles.ReadFile("dotnebochat/" + name)
}
