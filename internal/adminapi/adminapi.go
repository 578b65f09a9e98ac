// Package adminapi exposes a small read-only HTTP status surface over
// the proxy's session and upstream counts, the natural home for the
// teacher's Api config field (SPEC_FULL.md §B).
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// StatsSource is implemented by proxyserver.Server.
type StatsSource interface {
	SessionCount() int
	UpstreamStatuses() []UpstreamStatus
}

// UpstreamStatus is one upstream's reported health.
type UpstreamStatus struct {
	Index       int  `json:"index"`
	Available   bool `json:"available"`
	BoundCount  int  `json:"boundCount"`
}

// Server wraps a gorilla/mux router exposing /stats and /upstreams.
type Server struct {
	router *mux.Router
	listen string
	src    StatsSource
	log    *logrus.Entry
}

// New builds the router; call ListenAndServe to start it.
func New(listen string, src StatsSource, log *logrus.Entry) *Server {
	s := &Server{router: mux.NewRouter(), listen: listen, src: src, log: log}
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/upstreams", s.handleUpstreams).Methods(http.MethodGet)
	return s
}

// ListenAndServe blocks serving on the configured listen address;
// callers typically run it in its own goroutine.
func (s *Server) ListenAndServe() error {
	return http.ListenAndServe(s.listen, s.router)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"sessions": s.src.SessionCount()})
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.UpstreamStatuses())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
