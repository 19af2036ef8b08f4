// Package control provides a Unix socket control interface for the gatelink
// agent: status inspection and local approval/rejection of pending invokes.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/perchd/gatelink/internal/identity"
	"github.com/perchd/gatelink/internal/invoke"
	"github.com/perchd/gatelink/internal/sysinfo"
)

// AgentControl exposes the running agent to the control interface.
type AgentControl interface {
	// DeviceID returns the agent's device identity.
	DeviceID() identity.DeviceID

	// IsConnected returns true if a ready gateway session exists.
	IsConnected() bool

	// Endpoint returns the configured gateway endpoint.
	Endpoint() string

	// PendingInvokes returns queued invokes in insertion order.
	PendingInvokes() []*invoke.Invoke

	// Approve executes a pending invoke and returns its result.
	Approve(ctx context.Context, id string) (json.RawMessage, error)

	// Reject refuses a pending invoke with a reason.
	Reject(id, reason string) error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	DeviceID       string `json:"device_id"`
	Connected      bool   `json:"connected"`
	Endpoint       string `json:"endpoint"`
	PendingInvokes int    `json:"pending_invokes"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Version        string `json:"version"`
	BootID         string `json:"boot_id"`
}

// InvokesResponse is the response for the invokes endpoint.
type InvokesResponse struct {
	Invokes []*invoke.Invoke `json:"invokes"`
}

// DecisionRequest is the body of approve/reject calls.
type DecisionRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ApproveResponse carries the executed invoke's result payload.
type ApproveResponse struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorResponse is returned on any failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// PasswordHash is a bcrypt hash; when set, requests must carry the
	// password in the Authorization header.
	PasswordHash string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // approvals may run a full sandbox command
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	agent    AgentControl
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, agent AgentControl) *Server {
	s := &Server{
		cfg:   cfg,
		agent: agent,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.auth(s.handleStatus))
	mux.HandleFunc("/invokes", s.auth(s.handleInvokes))
	mux.HandleFunc("/approve", s.auth(s.handleApprove))
	mux.HandleFunc("/reject", s.auth(s.handleReject))

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server. The socket file is created with owner-only
// permissions.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// auth wraps a handler with optional password authentication.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.PasswordHash != "" {
			password := r.Header.Get("Authorization")
			if password == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(password)) != nil {
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
		}
		next(w, r)
	}
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	response := StatusResponse{
		DeviceID:       s.agent.DeviceID().ShortString(),
		Connected:      s.agent.IsConnected(),
		Endpoint:       s.agent.Endpoint(),
		PendingInvokes: len(s.agent.PendingInvokes()),
		UptimeSeconds:  sysinfo.UptimeSeconds(),
		Version:        sysinfo.Version,
		BootID:         sysinfo.BootID(),
	}

	writeJSON(w, http.StatusOK, response)
}

// handleInvokes handles the pending-invoke list endpoint.
func (s *Server) handleInvokes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	invokes := s.agent.PendingInvokes()
	if invokes == nil {
		invokes = []*invoke.Invoke{}
	}
	writeJSON(w, http.StatusOK, InvokesResponse{Invokes: invokes})
}

// handleApprove handles invoke approval.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}

	payload, err := s.agent.Approve(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ApproveResponse{ID: req.ID, Payload: payload})
}

// handleReject handles invoke rejection.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "rejected by operator"
	}
	if err := s.agent.Reject(req.ID, reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeDecision(w http.ResponseWriter, r *http.Request) (*DecisionRequest, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return nil, false
	}
	return &req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
