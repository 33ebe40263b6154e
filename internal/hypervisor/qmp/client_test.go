package qmp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Toasterson/vm-manager/internal/hypervisor/qmp"
)

// fakeServer emulates just enough of the protocol to exercise the client:
// greeting, qmp_capabilities handshake, one spurious event before every
// response, and query-status/query-vnc replies.
func fakeServer(t *testing.T, sockPath string) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		w := conn
		writeLine := func(v any) {
			data, _ := json.Marshal(v)
			data = append(data, '\n')
			w.Write(data)
		}

		writeLine(map[string]any{"QMP": map[string]any{"version": "1.0"}})

		reader := bufio.NewReader(conn)
		for {
			raw, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var cmd map[string]any
			json.Unmarshal(raw, &cmd)

			writeLine(map[string]any{"event": "STOP", "timestamp": 0})

			switch cmd["execute"] {
			case "qmp_capabilities":
				writeLine(map[string]any{"return": map[string]any{}})
			case "query-status":
				writeLine(map[string]any{"return": map[string]any{"status": "running"}})
			case "query-vnc":
				writeLine(map[string]any{"return": map[string]any{"enabled": true, "host": "127.0.0.1", "service": "5900"}})
			case "quit":
				return
			default:
				writeLine(map[string]any{"return": map[string]any{}})
			}
		}
	}()

	return ln
}

func TestClientHandshakeAndCommands(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "qmp.sock")
	ln := fakeServer(t, sockPath)
	defer ln.Close()

	cl, err := qmp.Connect(context.Background(), sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer cl.Close()

	status, err := cl.QueryStatus()
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if status != "running" {
		t.Errorf("QueryStatus = %q, want running", status)
	}

	addr, ok, err := cl.QueryVNC()
	if err != nil {
		t.Fatalf("QueryVNC: %v", err)
	}
	if !ok || addr != "127.0.0.1:5900" {
		t.Errorf("QueryVNC = (%q, %v), want (127.0.0.1:5900, true)", addr, ok)
	}
}

func TestConnectFailsAfterDeadline(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist.sock")
	start := time.Now()
	_, err := qmp.Connect(context.Background(), missing, 300*time.Millisecond)
	if err == nil {
		t.Fatal("Connect to nonexistent socket: want error, got nil")
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("Connect returned after %v, want >= 300ms", elapsed)
	}
}

