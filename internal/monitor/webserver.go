// Package monitor serves the debug web interface of the anchor graph
// service: a JSON API over the current snapshot and diagnostics, an
// interactive graph page and a PNG render, plus the database admin routes.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/anchordb"
	"github.com/banshee-data/worldlock/internal/graphstream"
	"github.com/banshee-data/worldlock/internal/monitoring"
	"github.com/banshee-data/worldlock/internal/posefeed"
	"github.com/banshee-data/worldlock/internal/version"
)

// GraphSource is the part of anchor.Manager the web server reads.
type GraphSource interface {
	CurrentGraph() *anchor.Snapshot
	RequestReset()
	State() anchor.State
}

var _ GraphSource = (*anchor.Manager)(nil)

// AdminRouter mounts extra routes, typically under /debug/.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// WebServer handles the HTTP debug interface.
type WebServer struct {
	address     string
	graph       GraphSource
	diagnostics *monitoring.Recorder
	db          *anchordb.DB
	feedStats   *posefeed.Stats
	streamStats func() graphstream.PublisherStats
	admin       []AdminRouter
	server      *http.Server
	startedAt   time.Time
}

// WebServerConfig contains configuration options for the web server.
// Everything but Address and Graph is optional.
type WebServerConfig struct {
	Address     string
	Graph       GraphSource
	Diagnostics *monitoring.Recorder
	DB          *anchordb.DB
	FeedStats   *posefeed.Stats
	StreamStats func() graphstream.PublisherStats
	Admin       []AdminRouter
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:     config.Address,
		graph:       config.Graph,
		diagnostics: config.Diagnostics,
		db:          config.DB,
		feedStats:   config.FeedStats,
		streamStats: config.StreamStats,
		admin:       config.Admin,
		startedAt:   time.Now(),
	}

	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler exposes the route table, mainly for tests.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("[Monitor] failed to encode response: %v", err)
	}
}

// Start serves until ctx is cancelled, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[Monitor] starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("[Monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[Monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[Monitor] HTTP server force close error: %v", err)
		}
	}

	monitoring.Logf("[Monitor] HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers. The graph pages sit
// behind the tsweb debug access check alongside the database admin routes.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/graph", ws.handleGraph)
	mux.HandleFunc("/api/reset", ws.handleReset)
	mux.HandleFunc("/api/diagnostics", ws.handleDiagnostics)
	mux.HandleFunc("/api/status", ws.handleStatus)

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("anchor-graph", "Anchor graph (interactive)", ws.handleGraphChart)
	debug.HandleFunc("anchor-graph.png", "Anchor graph (PNG)", ws.handleGraphPNG)
	debug.KV("Version", version.String())

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("[Monitor] failed to attach database admin routes: %v", err)
		}
	}
	for _, a := range ws.admin {
		a.AttachAdminRoutes(mux)
	}
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"state":     ws.graph.State().String(),
		"uptime":    time.Since(ws.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// currentGraph writes a 503 and returns nil before the first frame.
func (ws *WebServer) currentGraph(w http.ResponseWriter) *anchor.Snapshot {
	snap := ws.graph.CurrentGraph()
	if snap == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no graph published yet")
	}
	return snap
}

func (ws *WebServer) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if snap := ws.currentGraph(w); snap != nil {
		writeJSON(w, snap)
	}
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ws.graph.RequestReset()
	monitoring.Logf("[Monitor] graph reset requested from %s", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "reset requested"})
}

func (ws *WebServer) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if ws.diagnostics == nil {
		ws.writeJSONError(w, http.StatusNotFound, "diagnostics are not recorded")
		return
	}
	recent := ws.diagnostics.Recent()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := recent[:0]
		for _, d := range recent {
			if string(d.Kind) == kind {
				filtered = append(filtered, d)
			}
		}
		recent = filtered
	}
	writeJSON(w, map[string]interface{}{
		"total":       ws.diagnostics.Total(),
		"diagnostics": recent,
	})
}

// statusResponse summarises the running service.
type statusResponse struct {
	Version   string                      `json:"version"`
	GitSHA    string                      `json:"git_sha"`
	State     string                      `json:"state"`
	Frame     uint64                      `json:"frame"`
	Tracking  bool                        `json:"tracking"`
	Anchors   int                         `json:"anchors"`
	Located   int                         `json:"located"`
	Edges     int                         `json:"edges"`
	Fragments int                         `json:"fragments"`
	Feed      *posefeed.StatsSnapshot     `json:"feed,omitempty"`
	Stream    *graphstream.PublisherStats `json:"stream,omitempty"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version: version.Version,
		GitSHA:  version.GitSHA,
		State:   ws.graph.State().String(),
	}
	if snap := ws.graph.CurrentGraph(); snap != nil {
		resp.Frame = snap.Frame
		resp.Tracking = snap.Tracking
		resp.Anchors = len(snap.Anchors)
		resp.Located = snap.LocatedCount()
		resp.Edges = len(snap.Edges)
		resp.Fragments = len(snap.Fragments)
	}
	if ws.feedStats != nil {
		s := ws.feedStats.Snapshot()
		resp.Feed = &s
	}
	if ws.streamStats != nil {
		s := ws.streamStats()
		resp.Stream = &s
	}
	writeJSON(w, resp)
}

func (ws *WebServer) handleGraphChart(w http.ResponseWriter, r *http.Request) {
	snap := ws.currentGraph(w)
	if snap == nil {
		return
	}
	var buf bytes.Buffer
	if err := WriteGraphChart(&buf, LayoutFromSnapshot(snap)); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (ws *WebServer) handleGraphPNG(w http.ResponseWriter, r *http.Request) {
	snap := ws.currentGraph(w)
	if snap == nil {
		return
	}
	var buf bytes.Buffer
	if err := WriteGraphPNG(&buf, LayoutFromSnapshot(snap), DefaultPlotSize); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
