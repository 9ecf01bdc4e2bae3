package webserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agusx1211/courier/internal/buildinfo"
	"github.com/agusx1211/courier/internal/debug"
	"github.com/agusx1211/courier/internal/status"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusResponse is the /api/status payload: daemon metadata plus the
// tracker summary, flattened so feed clients decoding only the summary
// keys keep working.
type statusResponse struct {
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Engines       []string         `json:"engines,omitempty"`
	Active        []status.Session `json:"active"`
	Recent        []status.Event   `json:"recent"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("webserver", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if srv.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "status tracking is disabled")
		return
	}
	snap := srv.tracker.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Version:       buildinfo.Current().Version,
		UptimeSeconds: int64(time.Since(srv.startedAt).Seconds()),
		Engines:       srv.engines,
		Active:        snap.Active,
		Recent:        snap.Recent,
	})
}

func (srv *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Current()
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
	})
}

func (srv *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status page unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}
