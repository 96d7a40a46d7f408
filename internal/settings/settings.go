// Package settings persists the replication settings (store paths and the
// sync checkpoint) and loads the runtime configuration.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Settings is what the sync coordinator reads and writes between runs.
type Settings struct {
	LocalPath  string `toml:"local_path" yaml:"local_path"`
	RemotePath string `toml:"remote_path" yaml:"remote_path"`

	// LastSyncTimestamp is the upper bound of the last reconciled window.
	// Only the batch policy advances it.
	LastSyncTimestamp time.Time `toml:"last_sync_timestamp" yaml:"last_sync_timestamp"`
}

// File stores Settings as TOML or YAML, chosen by the file extension.
// Writes go to a temp file in the same directory and are renamed into
// place, so a crash never leaves a half-written checkpoint.
type File struct {
	Path string

	mu sync.Mutex
}

// NewFile returns a provider for path.
func NewFile(path string) *File {
	return &File{Path: path}
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("unsupported settings file %s (want .toml, .yaml or .yml)", path)
	}
}

// Load reads the settings file. A missing file yields zero Settings.
func (f *File) Load() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s Settings
	fm, err := formatOf(f.Path)
	if err != nil {
		return s, err
	}

	// #nosec G304 - controlled path from config
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read settings: %w", err)
	}

	switch fm {
	case formatTOML:
		if _, err := toml.Decode(string(data), &s); err != nil {
			return s, fmt.Errorf("failed to parse settings %s: %w", f.Path, err)
		}
	case formatYAML:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("failed to parse settings %s: %w", f.Path, err)
		}
	}

	s.LastSyncTimestamp = s.LastSyncTimestamp.UTC()
	return s, nil
}

// Save writes the settings file atomically.
func (f *File) Save(s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fm, err := formatOf(f.Path)
	if err != nil {
		return err
	}
	s.LastSyncTimestamp = s.LastSyncTimestamp.UTC()

	var buf bytes.Buffer
	switch fm {
	case formatTOML:
		if err := toml.NewEncoder(&buf).Encode(s); err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
	case formatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close settings: %w", err)
	}

	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
