// Package api exposes the Bluetooth orchestrator over HTTP: JSON routes for
// the radio's web UI, a websocket status stream and an MCP tool endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chaz8081/dabradio/internal/bluetooth"
)

// Orchestrator is the part of *bluetooth.Manager the API drives.
type Orchestrator interface {
	Connect(address string) bluetooth.Result
	Disconnect(address string) bool
	Remove(address string) bool
	Devices() []bluetooth.Device
	StartScan(duration time.Duration) bool
	Scanning() bool
	Status() bluetooth.Status
}

// Options configures the HTTP surface.
type Options struct {
	ScanDuration time.Duration // length of scans started over the API
	StatusPoll   time.Duration // websocket status poll interval
	MCP          bool          // mount the /mcp endpoint
	Version      string        // reported to MCP clients
}

// DefaultOptions returns the shipped API settings.
func DefaultOptions() Options {
	return Options{
		ScanDuration: bluetooth.DefaultScanDuration,
		StatusPoll:   2 * time.Second,
		MCP:          true,
		Version:      "dev",
	}
}

// Server routes HTTP requests to the orchestrator.
type Server struct {
	bt   Orchestrator
	opts Options
	mux  *http.ServeMux
}

// New builds the route table.
func New(bt Orchestrator, opts Options) *Server {
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = bluetooth.DefaultScanDuration
	}
	if opts.StatusPoll <= 0 {
		opts.StatusPoll = 2 * time.Second
	}

	s := &Server{bt: bt, opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /api/bt/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/bt/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("POST /api/bt/remove", s.handleRemove)
	s.mux.HandleFunc("GET /api/bt/devices", s.handleDevices)
	s.mux.HandleFunc("POST /api/bt/scan", s.handleScan)
	s.mux.HandleFunc("GET /api/bt/scan/status", s.handleScanStatus)
	s.mux.HandleFunc("GET /api/bt/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/bt/ws", s.handleStatusStream)
	if opts.MCP {
		s.mux.Handle("/mcp", newMCPHandler(s))
	}
	return s
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.mux.ServeHTTP(w, r)
		slog.Debug("[API] request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start).Round(time.Millisecond))
	})
}

type macRequest struct {
	MAC string `json:"mac"`
}

type connectResponse struct {
	Connected  bool   `json:"connected"`
	MAC        string `json:"mac"`
	Name       string `json:"name,omitempty"`
	Message    string `json:"message"`
	AudioReady bool   `json:"audio_ready"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	req := readMAC(w, r)
	if req.MAC == "" {
		writeError(w, http.StatusBadRequest, "mac required")
		return
	}

	res := s.bt.Connect(req.MAC)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, connectResponse{
		Connected:  res.Success,
		MAC:        bluetooth.NormalizeAddress(req.MAC),
		Name:       res.Name,
		Message:    res.Message,
		AudioReady: res.AudioReady,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	req := readMAC(w, r)
	s.bt.Disconnect(req.MAC)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	req := readMAC(w, r)
	if req.MAC != "" {
		s.bt.Remove(req.MAC)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.bt.Devices()})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	status := "scanning"
	if !s.bt.StartScan(s.opts.ScanDuration) {
		status = "already scanning"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"scanning": s.bt.Scanning()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bt.Status())
}

// readMAC decodes an optional {"mac": ...} body. A missing or malformed body
// yields an empty address.
func readMAC(w http.ResponseWriter, r *http.Request) macRequest {
	var req macRequest
	if r.Body == nil {
		return req
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		slog.Debug("[API] ignoring request body", "path", r.URL.Path, "error", err)
	}
	req.MAC = strings.TrimSpace(req.MAC)
	return req
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
