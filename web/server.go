// Package web serves the browser control surface: live engine status and
// meters over a websocket, kernel switching and ducking controls, and a
// small JSON API.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"graal-conv/pump"
)

// ErrUnsupportedPlatform is returned when browser opening is not supported.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

//go:embed static/*
var staticFiles embed.FS

// StatusInterval is the period of status broadcasts.
const StatusInterval = 50 * time.Millisecond

// Controller is the part of the pump the web surface drives.
type Controller interface {
	Status() pump.Status
	NumSources() int
	Kernels(source int) []pump.KernelInfo
	RequestKernel(source, index int) error
	SetDuck(enabled bool, gain float64)
}

// Message is the websocket envelope in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SwitchKernelPayload asks for a kernel switch of one source.
type SwitchKernelPayload struct {
	Source int `json:"source"`
	Index  int `json:"index"`
}

// DuckPayload sets the ducking mode.
type DuckPayload struct {
	Enabled bool    `json:"enabled"`
	Gain    float64 `json:"gain"`
}

// ErrorPayload reports a rejected request to the client that sent it.
type ErrorPayload struct {
	Request string `json:"request"`
	Error   string `json:"error"`
}

// StatusPayload is the periodic status broadcast. Meter levels are in dBFS.
type StatusPayload struct {
	pump.Status
	PeakDB []float64 `json:"peakDB"`
	RMSDB  []float64 `json:"rmsDB"`
}

// SourceKernels lists the kernel sets of one source.
type SourceKernels struct {
	Source  int               `json:"source"`
	Name    string            `json:"name"`
	Kernels []pump.KernelInfo `json:"kernels"`
}

// Server is the HTTP and websocket server.
type Server struct {
	ctrl       Controller
	port       int
	hub        *Hub
	httpServer *http.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewServer creates a server for ctrl listening on port.
func NewServer(ctrl Controller, port int) *Server {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", fmt.Sprint(port)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{ctrl: ctrl, port: port, hub: NewHub(), httpServer: srv}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to create static file system: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	mux.HandleFunc("/api/kernels", s.handleAPIKernels)

	return mux, nil
}

// Run starts the hub and the status broadcaster. They stop with ctx or on
// Shutdown.
func (s *Server) Run(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runLocked(ctx)
}

func (s *Server) runLocked(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(ctx)
	go s.statusLoop(ctx)
}

// Start runs the server until Shutdown. It returns nil at once when Shutdown
// came first.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.httpServer.Handler = handler
	s.runLocked(context.Background())
	s.mu.Unlock()

	slog.Info("Web server starting", "port", s.port, "url", fmt.Sprintf("http://localhost:%d", s.port))

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops the server and disconnects all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

//nolint:gochecknoglobals // WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // local control surface
	},
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	// Queued before registration, so the hub cannot have closed send yet.
	if data, err := encode("kernels", s.kernelList()); err == nil {
		client.send <- data
	}

	if data, err := encode("status", s.statusPayload()); err == nil {
		client.send <- data
	}

	s.hub.register <- client

	go client.writePump()
	client.readPump(r.Context(), s.handleClientMessage)
}

func encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Message{Type: typ, Payload: raw})
}

func (s *Server) handleClientMessage(c *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse WebSocket message", "error", err)
		return
	}

	var err error

	switch msg.Type {
	case "switch_kernel":
		var p SwitchKernelPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = s.ctrl.RequestKernel(p.Source, p.Index)
		}

	case "set_duck":
		var p DuckPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			s.ctrl.SetDuck(p.Enabled, p.Gain)
			slog.Info("Ducking changed", "enabled", p.Enabled, "gain", p.Gain)
		}

	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		slog.Warn("WebSocket request rejected", "type", msg.Type, "error", err)

		if data, encErr := encode("error", ErrorPayload{Request: msg.Type, Error: err.Error()}); encErr == nil {
			s.hub.sendTo(c, data)
		}
	}
}

func (s *Server) statusPayload() StatusPayload {
	st := s.ctrl.Status()
	p := StatusPayload{
		Status: st,
		PeakDB: make([]float64, len(st.Meters)),
		RMSDB:  make([]float64, len(st.Meters)),
	}

	for i, m := range st.Meters {
		p.PeakDB[i] = clampDB(pump.DB(m.Peak))
		p.RMSDB[i] = clampDB(pump.DB(m.RMS))
	}

	return p
}

func clampDB(db float64) float64 {
	return min(max(db, -96), 6)
}

func (s *Server) kernelList() []SourceKernels {
	st := s.ctrl.Status()
	out := make([]SourceKernels, s.ctrl.NumSources())

	for i := range out {
		out[i] = SourceKernels{Source: i, Kernels: s.ctrl.Kernels(i)}
		if i < len(st.Sources) {
			out[i].Name = st.Sources[i].Name
		}
	}

	return out
}

// statusLoop broadcasts the status every StatusInterval while clients are
// connected.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.hub.ClientCount() == 0 {
			continue
		}

		data, err := encode("status", s.statusPayload())
		if err != nil {
			continue
		}

		s.hub.Broadcast(data)
	}
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errchkjson // StatusPayload is a well-defined struct
	_ = json.NewEncoder(w).Encode(s.statusPayload())
}

func (s *Server) handleAPIKernels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errchkjson // kernel list is well-defined
	_ = json.NewEncoder(w).Encode(s.kernelList())
}

// OpenBrowser opens the default browser to the specified URL.
func OpenBrowser(url string) error {
	ctx := context.Background()

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", url)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
	}

	return cmd.Start()
}
