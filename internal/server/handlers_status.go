package server

import (
	"net/http"
	"time"
)

var startedAt = time.Now()

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Sessions    int           `json:"sessions"`
	Connections int           `json:"connections"`
	Executions  int           `json:"executions"`
	Backends    []string      `json:"backends"`
	UptimeMs    int64         `json:"uptime_ms"`
	Counters    StatsSnapshot `json:"counters"`
}

// health handles GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// status handles GET /status.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Backends: []string{},
		UptimeMs: time.Since(startedAt).Milliseconds(),
		Counters: s.stats.Snapshot(),
	}
	if s.deps.Registry != nil {
		resp.Sessions = s.deps.Registry.Count()
	}
	if s.deps.Supervisor != nil {
		resp.Connections = s.deps.Supervisor.Count()
	}
	if s.deps.Engine != nil {
		resp.Executions = s.deps.Engine.ActiveCount()
	}
	if s.deps.Providers != nil {
		resp.Backends = s.deps.Providers.List()
	}
	writeJSON(w, http.StatusOK, resp)
}
