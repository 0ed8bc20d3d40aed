package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteSnapshot persists the effective configuration as YAML. The daemon
// writes one into the data directory on startup so a session's behavior can
// be reconstructed after config edits. The write is atomic (temp + rename).
func WriteSnapshot(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".apc.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// ReadSnapshot loads a configuration snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the data dir layout
	if err != nil {
		return Config{}, fmt.Errorf("reading snapshot: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing snapshot: %w", err)
	}
	return cfg, nil
}
