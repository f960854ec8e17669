// Package registry persists the last connected Bluetooth device so a restart
// of the daemon can resume the same logical session.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultPath is where the appliance keeps its Bluetooth state.
const DefaultPath = "/var/lib/dab-radio/bluetooth.json"

// State is the persisted connection slot. Empty Address means no device.
type State struct {
	Address string
	Name    string
}

// file mirrors the on-disk JSON, where a missing device is null.
type file struct {
	LastDevice     *string `json:"last_device"`
	LastDeviceName *string `json:"last_device_name"`
}

// Store reads and writes State as a JSON file.
type Store struct {
	path string
}

// New returns a Store backed by path.
func New(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load returns the persisted state. A missing or corrupt file yields the
// zero State: there is simply no prior device.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("[BT] reading device registry", "path", s.path, "error", err)
		}
		return State{}
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("[BT] device registry is corrupt, ignoring", "path", s.path, "error", err)
		return State{}
	}

	var st State
	if f.LastDevice != nil {
		st.Address = *f.LastDevice
	}
	if f.LastDeviceName != nil && st.Address != "" {
		st.Name = *f.LastDeviceName
	}
	return st
}

// Save rewrites the whole file. It writes a temp file and renames it so a
// crash mid-write never leaves a truncated registry.
func (s *Store) Save(st State) error {
	var f file
	if st.Address != "" {
		f.LastDevice = &st.Address
		f.LastDeviceName = &st.Name
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("registry: creating state dir: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("registry: writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: replacing %s: %w", s.path, err)
	}
	return nil
}
