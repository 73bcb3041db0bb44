package server

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// DebugHandler builds the debug HTTP surface of spec.md §4.11: a small
// gorilla/mux router exposing connection manager counters, wrapped in
// gorilla/handlers' combined access logger, in the style of
// registry.NewRegistry's handler chain (handlers.CombinedLoggingHandler
// wrapping the mux-routed app).
func (s *Server) DebugHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/debug/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/debug/blobs", s.handleBlobs).Methods(http.MethodGet)
	return handlers.CombinedLoggingHandler(os.Stdout, router)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.Manager.ConnMgr.Snapshot()
	writeJSON(w, status)
}

func (s *Server) handleBlobs(w http.ResponseWriter, r *http.Request) {
	completed := s.Manager.CompletedBlobHashes()
	hashes := make([]string, 0, len(completed))
	for h := range completed {
		hashes = append(hashes, h.String())
	}
	writeJSON(w, struct {
		CompletedBlobs []string `json:"completed_blobs"`
	}{CompletedBlobs: hashes})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
