// Package store persists the name->handle map vmctl uses to track VMs
// across invocations: a single JSON sidecar file, written atomically.
// Concurrent vmctl invocations are not locked against each other; the
// last writer wins, a deliberate simplification over a real database.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

// Store is the in-memory form of vms.json: VM name to handle.
type Store map[string]model.VmHandle

// DefaultPath returns the conventional state file location,
// `{XDG_DATA_HOME-or-equivalent}/vmctl/vms.json`.
func DefaultPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = "/tmp"
	} else {
		dir = filepath.Join(dir, ".local", "share")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dir = xdg
	}
	return filepath.Join(dir, "vmctl", "vms.json")
}

// Load reads the store at path, returning an empty Store if the file
// does not exist.
func Load(path string) (Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Store{}, nil
		}
		return nil, vmerr.Wrap(vmerr.KindInvalidState, err, "reading state file %s", path)
	}

	var s Store
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidState, err, "parsing state file %s", path)
	}
	if s == nil {
		s = Store{}
	}
	return s, nil
}

// Save writes s to path atomically: marshal, write to a sibling
// ".tmp" file, then rename over the destination.
func Save(path string, s Store) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return vmerr.Wrap(vmerr.KindInvalidState, err, "creating state dir for %s", path)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return vmerr.Wrap(vmerr.KindInvalidState, err, "marshaling state file %s", path)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return vmerr.Wrap(vmerr.KindInvalidState, err, "writing temp state file %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return vmerr.Wrap(vmerr.KindInvalidState, err, "renaming %s to %s", tmpPath, path)
	}
	return nil
}

// Get returns the handle for name, or vmerr.KindVMNotFound.
func (s Store) Get(name string) (model.VmHandle, error) {
	h, ok := s[name]
	if !ok {
		return model.VmHandle{}, vmerr.New(vmerr.KindVMNotFound, "no VM named %s", name)
	}
	return h, nil
}

// Put records or replaces the handle for its own name.
func (s Store) Put(h model.VmHandle) {
	s[h.Name] = h
}

// Delete removes name from the store; it is a no-op if absent.
func (s Store) Delete(name string) {
	delete(s, name)
}
