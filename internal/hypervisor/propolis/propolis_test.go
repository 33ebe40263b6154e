package propolis

import (
	"testing"

	"github.com/Toasterson/vm-manager/internal/hypervisor"
	"github.com/Toasterson/vm-manager/internal/model"
)

func TestParseZoneState(t *testing.T) {
	tests := []struct {
		stdout string
		want   model.VmState
	}{
		{"1:web:running:/zones/web:uuid:nebula-vm:excl", model.StateRunning},
		{"-:web:installed:/zones/web:uuid:nebula-vm:excl", model.StatePrepared},
		{"-:web:configured:/zones/web:uuid:nebula-vm:excl", model.StatePrepared},
		{"-:web:incomplete:/zones/web:uuid:nebula-vm:excl", model.StateStopped},
		{"", model.StateStopped},
	}
	for _, tc := range tests {
		if got := parseZoneState(tc.stdout); got != tc.want {
			t.Errorf("parseZoneState(%q) = %q, want %q", tc.stdout, got, tc.want)
		}
	}
}

func TestParseZoneGuestIP(t *testing.T) {
	stdout := "127.0.0.1/8\n192.168.1.50/24\n"
	addr, ok := parseZoneGuestIP(stdout)
	if !ok {
		t.Fatal("parseZoneGuestIP: want found, got false")
	}
	if addr != "192.168.1.50" {
		t.Errorf("addr = %q, want 192.168.1.50", addr)
	}
}

func TestParseZoneGuestIPNoneFound(t *testing.T) {
	_, ok := parseZoneGuestIP("127.0.0.1/8\n::1/128\n")
	if ok {
		t.Error("parseZoneGuestIP: want not found, got a match")
	}
}

func TestConsoleEndpointIsWebsocket(t *testing.T) {
	b := New(t.TempDir(), "rpool", nil)
	ep, err := b.ConsoleEndpoint(model.VmHandle{Name: "web"})
	if err != nil {
		t.Fatalf("ConsoleEndpoint: %v", err)
	}
	if ep.Kind != hypervisor.ConsoleWS {
		t.Errorf("Kind = %q, want websocket", ep.Kind)
	}
	if ep.URL != "ws://127.0.0.1:12400/instance/serial" {
		t.Errorf("URL = %q, want the fixed zone VMM serial endpoint", ep.URL)
	}
}
