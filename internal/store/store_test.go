package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Toasterson/vm-manager/internal/model"
)

func TestLoadMissingFileReturnsEmptyStore(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "vms.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s) != 0 {
		t.Errorf("len(s) = %d, want 0", len(s))
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vms.json")
	s := Store{}
	s.Put(model.VmHandle{ID: "qemu-1", Name: "web", Backend: model.BackendQemu, WorkDir: "/var/lib/vmctl/web", VCPUs: 2, MemoryMB: 2048, Network: model.NewUserNetwork()})

	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := loaded.Get("web")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "qemu-1" || got.Backend != model.BackendQemu {
		t.Errorf("got = %+v", got)
	}
}

func TestSaveWritesThroughTempFileThenRenames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vms.json")
	s := Store{}
	s.Put(model.VmHandle{Name: "web", Backend: model.BackendNoop, Network: model.NewUserNetwork()})

	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file %s.tmp should not remain after rename", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("final state file missing: %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := Store{}
	if _, err := s.Get("ghost"); err == nil {
		t.Fatal("Get: want error for missing VM, got nil")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	s := Store{}
	s.Put(model.VmHandle{Name: "web", Network: model.NewUserNetwork()})
	s.Delete("web")
	if _, ok := s["web"]; ok {
		t.Error("Delete did not remove entry")
	}
}
