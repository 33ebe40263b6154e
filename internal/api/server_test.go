package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Toasterson/vm-manager/internal/hypervisor/noop"
	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/store"
)

func newTestServer(t *testing.T, seed store.Store) *Server {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "vms.json")
	if seed != nil {
		if err := store.Save(storePath, seed); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewServer(":0", storePath, noop.New(), nil, logger)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestListVMsEmptyStore(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/vms/")
	if err != nil {
		t.Fatalf("GET /v1/vms/: %v", err)
	}
	defer resp.Body.Close()

	var handles []model.VmHandle
	if err := json.NewDecoder(resp.Body).Decode(&handles); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(handles) != 0 {
		t.Errorf("len(handles) = %d, want 0", len(handles))
	}
}

func TestGetVMReturnsHandle(t *testing.T) {
	seed := store.Store{
		"web": model.VmHandle{ID: "noop-1", Name: "web", Backend: model.BackendNoop, VCPUs: 2, MemoryMB: 2048},
	}
	srv := newTestServer(t, seed)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/vms/web")
	if err != nil {
		t.Fatalf("GET /v1/vms/web: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var h model.VmHandle
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Name != "web" || h.VCPUs != 2 {
		t.Errorf("handle = %+v", h)
	}
}

func TestGetVMUnknownNameReturns404(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/vms/ghost")
	if err != nil {
		t.Fatalf("GET /v1/vms/ghost: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetVMStateProbesBackend(t *testing.T) {
	seed := store.Store{
		"web": model.VmHandle{ID: "noop-1", Name: "web", Backend: model.BackendNoop},
	}
	srv := newTestServer(t, seed)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/vms/web/state")
	if err != nil {
		t.Fatalf("GET /v1/vms/web/state: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["name"] != "web" {
		t.Errorf("out = %+v", out)
	}
}

func TestGetVMEventsNilAuditLogReturnsEmpty(t *testing.T) {
	seed := store.Store{
		"web": model.VmHandle{ID: "noop-1", Name: "web", Backend: model.BackendNoop},
	}
	srv := newTestServer(t, seed)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/vms/web/events")
	if err != nil {
		t.Fatalf("GET /v1/vms/web/events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var events []any
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/vms/", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/vms/: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}
