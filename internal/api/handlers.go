package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/Toasterson/vm-manager/internal/audit"
	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListVMs returns every handle in the state store, sorted by name.
func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadStore()
	if err != nil {
		writeError(w, err)
		return
	}

	handles := make([]model.VmHandle, 0, len(st))
	for _, h := range st {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	vmsManaged.Set(float64(len(handles)))

	writeJSON(w, http.StatusOK, handles)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	st, err := s.loadStore()
	if err != nil {
		writeError(w, err)
		return
	}

	h, err := st.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h)
}

// handleGetVMState probes the owning backend directly, rather than
// trusting the persisted handle, since a VM's running/stopped status
// changes outside of vmctl (crashes, manual zoneadm/qemu kills).
func (s *Server) handleGetVMState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	st, err := s.loadStore()
	if err != nil {
		writeError(w, err)
		return
	}

	h, err := st.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.hv == nil {
		writeError(w, vmerr.New(vmerr.KindBackendNotAvailable, "no router configured on this server"))
		return
	}

	state, err := s.hv.State(r.Context(), h)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": string(state)})
}

func (s *Server) handleGetVMEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if s.auditLog == nil {
		writeJSON(w, http.StatusOK, []audit.Event{})
		return
	}

	events, err := s.auditLog.ForVM(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, events)
}
