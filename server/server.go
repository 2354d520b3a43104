package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"imbridge-server/domain"
	ws "imbridge-server/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	httpServer      *http.Server
	store           domain.DeviceStore
	registry        domain.Registry
	control         domain.SessionHandler
	status          domain.SessionHandler
	shutdownTimeout time.Duration

	// sessions is cancelled on shutdown; hijacked websocket connections are
	// not closed by http.Server.Shutdown.
	sessions context.Context
	cancel   context.CancelFunc

	// live counts running sessions; closing refuses new ones once shutdown
	// has started waiting on live.
	mu      sync.Mutex
	closing bool
	live    sync.WaitGroup
}

func New(addr string, store domain.DeviceStore, registry domain.Registry, control, status domain.SessionHandler, shutdownTimeout time.Duration) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:           store,
		registry:        registry,
		control:         control,
		status:          status,
		shutdownTimeout: shutdownTimeout,
		sessions:        ctx,
		cancel:          cancel,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/devices/{device_id}", s.wsHandler(s.control))
	mux.HandleFunc("GET /ws/devices/{device_id}/status", s.wsHandler(s.status))
	mux.HandleFunc("GET /api/devices", s.listDevices)
	mux.HandleFunc("GET /api/devices/{device_id}", s.getDevice)
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /stats", s.statsHandler)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

// serve returns only after every websocket session has finished its
// cleanup, or the shutdown timeout has passed.
func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("server shutting down")
	case serveErr = <-errChan:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.waitSessions(shutdownCtx)

	if serveErr != nil {
		return serveErr
	}
	return err
}

func (s *Server) waitSessions(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.live.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("sessions still running after shutdown timeout")
	}
}

// track registers a new session; it fails once shutdown is waiting.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.live.Add(1)
	return true
}

func (s *Server) wsHandler(handler domain.SessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.PathValue("device_id")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "deviceId", deviceID, "error", err)
			return
		}

		if !s.track() {
			conn.Close()
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), deviceID, conn, handler)
		go func() {
			defer s.live.Done()
			wsConn.Serve(s.sessions)
		}()
	}
}

type deviceSummary struct {
	DeviceID    string `json:"device_id"`
	Name        string `json:"name"`
	IsConnected bool   `json:"is_connected"`
}

type deviceResponse struct {
	DeviceID    string       `json:"device_id"`
	Name        string       `json:"name"`
	Image       domain.Image `json:"image"`
	Brightness  int          `json:"brightness"`
	IsOn        bool         `json:"is_on"`
	IsConnected bool         `json:"is_connected"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.List(r.Context())
	if err != nil {
		slog.Error("list devices failed", "error", err)
		http.Error(w, "failed to list devices", http.StatusInternalServerError)
		return
	}

	resp := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, deviceSummary{DeviceID: d.ID, Name: d.Name, IsConnected: d.IsConnected})
	}
	writeJSON(w, resp)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Get(r.Context(), r.PathValue("device_id"))
	if err != nil {
		if errors.Is(err, domain.ErrDeviceNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		slog.Error("get device failed", "error", err)
		http.Error(w, "failed to load device", http.StatusInternalServerError)
		return
	}

	writeJSON(w, deviceResponse{
		DeviceID:    d.ID,
		Name:        d.Name,
		Image:       d.Image,
		Brightness:  d.Brightness,
		IsOn:        d.IsOn,
		IsConnected: d.IsConnected,
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	groups, members := s.registry.Stats()
	writeJSON(w, map[string]int{"groups": groups, "members": members})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}
