package fleet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Toasterson/vm-manager/internal/model"
)

func writeFleetFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "VMFile.kdl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseMinimalVmFile(t *testing.T) {
	path := writeFleetFile(t, `
vm "test" {
    image "/tmp/test.qcow2"
}
`)
	f, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.VMs) != 1 {
		t.Fatalf("len(VMs) = %d, want 1", len(f.VMs))
	}
	vm := f.VMs[0]
	if vm.Name != "test" || vm.Image.Local != "/tmp/test.qcow2" {
		t.Errorf("vm = %+v", vm)
	}
	if vm.VCPUs != 1 || vm.MemoryMB != 1024 {
		t.Errorf("defaults not applied: vcpus=%d memory=%d", vm.VCPUs, vm.MemoryMB)
	}
	if vm.DiskGB != nil {
		t.Errorf("DiskGB = %v, want nil", vm.DiskGB)
	}
	if vm.Network.Mode != model.NetworkUser {
		t.Errorf("Network.Mode = %q, want user", vm.Network.Mode)
	}
	if vm.CloudInit != nil || vm.SSH != nil || len(vm.Provisions) != 0 {
		t.Errorf("expected no cloud-init/ssh/provisions, got %+v", vm)
	}
}

func TestParseFullVmFile(t *testing.T) {
	path := writeFleetFile(t, `
vm "web" {
    image "/images/ubuntu.qcow2"
    vcpus 2
    memory 2048
    disk 20
    network "tap" bridge="br0"

    cloud-init {
        hostname "webhost"
        ssh-key "~/.ssh/id_ed25519.pub"
    }

    ssh {
        user "admin"
        private-key "~/.ssh/id_ed25519"
    }

    provision "shell" {
        inline "apt update"
    }

    provision "file" {
        source "./nginx.conf"
        destination "/etc/nginx/nginx.conf"
    }
}
`)
	f, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	vm := f.VMs[0]
	if vm.Name != "web" || vm.VCPUs != 2 || vm.MemoryMB != 2048 {
		t.Fatalf("vm = %+v", vm)
	}
	if vm.DiskGB == nil || *vm.DiskGB != 20 {
		t.Fatalf("DiskGB = %v, want 20", vm.DiskGB)
	}
	if vm.Network.Mode != model.NetworkTap || vm.Network.Bridge != "br0" {
		t.Fatalf("Network = %+v", vm.Network)
	}
	if vm.CloudInit == nil || vm.CloudInit.Hostname != "webhost" || vm.CloudInit.SSHKey != "~/.ssh/id_ed25519.pub" {
		t.Fatalf("CloudInit = %+v", vm.CloudInit)
	}
	if vm.SSH == nil || vm.SSH.User != "admin" || vm.SSH.PrivateKey != "~/.ssh/id_ed25519" {
		t.Fatalf("SSH = %+v", vm.SSH)
	}
	if len(vm.Provisions) != 2 {
		t.Fatalf("len(Provisions) = %d, want 2", len(vm.Provisions))
	}
	if vm.Provisions[0].Inline != "apt update" {
		t.Errorf("Provisions[0] = %+v", vm.Provisions[0])
	}
	if vm.Provisions[1].Source != "./nginx.conf" || vm.Provisions[1].Destination != "/etc/nginx/nginx.conf" {
		t.Errorf("Provisions[1] = %+v", vm.Provisions[1])
	}
}

func TestParseMultiVm(t *testing.T) {
	path := writeFleetFile(t, `
vm "alpha" {
    image "/img/a.qcow2"
}

vm "beta" {
    image "/img/b.qcow2"
    vcpus 4
    memory 4096
}
`)
	f, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.VMs) != 2 || f.VMs[0].Name != "alpha" || f.VMs[1].Name != "beta" || f.VMs[1].VCPUs != 4 {
		t.Fatalf("VMs = %+v", f.VMs)
	}
}

func TestParseImageURL(t *testing.T) {
	path := writeFleetFile(t, `
vm "cloud" {
    image-url "https://example.com/image.qcow2"
}
`)
	f, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.VMs[0].Image.URL != "https://example.com/image.qcow2" {
		t.Errorf("Image = %+v", f.VMs[0].Image)
	}
}

func TestErrorNoImage(t *testing.T) {
	path := writeFleetFile(t, `
vm "broken" {
    vcpus 1
}
`)
	_, err := Parse(path)
	if err == nil || !strings.Contains(err.Error(), "no image specified") {
		t.Fatalf("err = %v, want 'no image specified'", err)
	}
}

func TestErrorNoName(t *testing.T) {
	path := writeFleetFile(t, `
vm {
    image "/tmp/test.qcow2"
}
`)
	_, err := Parse(path)
	if err == nil || !strings.Contains(err.Error(), "name argument") {
		t.Fatalf("err = %v, want 'name argument'", err)
	}
}

func TestErrorDuplicateNames(t *testing.T) {
	path := writeFleetFile(t, `
vm "dup" {
    image "/tmp/a.qcow2"
}
vm "dup" {
    image "/tmp/b.qcow2"
}
`)
	_, err := Parse(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want 'duplicate'", err)
	}
}

func TestResolveLocalImageMissingFails(t *testing.T) {
	def := VmDef{Name: "web", Image: ImageSource{Local: "/does/not/exist.qcow2"}, VCPUs: 1, MemoryMB: 1024}
	_, err := Resolve(def, t.TempDir())
	if err == nil {
		t.Fatal("Resolve: want error for missing image, got nil")
	}
}

func TestResolveLocalImagePresent(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "base.qcow2")
	if err := os.WriteFile(imgPath, []byte("fake-qcow2"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	def := VmDef{
		Name:     "web",
		Image:    ImageSource{Local: "base.qcow2"},
		VCPUs:    2,
		MemoryMB: 2048,
		Network:  NetworkDef{Mode: model.NetworkTap, Bridge: "br1"},
	}
	spec, err := Resolve(def, dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.ImagePath != imgPath {
		t.Errorf("ImagePath = %q, want %q", spec.ImagePath, imgPath)
	}
	if spec.Network.Mode != model.NetworkTap || spec.Network.Bridge != "br1" {
		t.Errorf("Network = %+v", spec.Network)
	}
}
