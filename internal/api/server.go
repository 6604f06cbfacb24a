// Package api provides the local HTTP API used by the device-selection
// front end.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pointerlink/internal/events"
	"pointerlink/internal/handoff"
	"pointerlink/internal/peer"
	"pointerlink/internal/protocol"
	"pointerlink/internal/relay"
	"pointerlink/internal/session"
)

// Directory lists known peers.
type Directory interface {
	Peers() []peer.Record
}

// Negotiator is the handoff surface the API drives.
type Negotiator interface {
	RequestControl(targetID peer.ID, opts protocol.Options) (uint64, error)
	Respond(requester peer.ID, nonce uint64, accept bool, reason string) error
	Pending() []events.RequestReceived
	Outstanding() []handoff.Outgoing
}

// Sessions manages outbound relay sessions.
type Sessions interface {
	Sessions() []session.Info
	CloseSession(id string) error
}

// Inbound lists sessions controlling this machine.
type Inbound interface {
	Sessions() []relay.SessionInfo
}

// Capture reads and flips the capture state.
type Capture interface {
	Active() bool
	SetActive(on bool)
}

// Deps are the components the API exposes. Nil members disable their
// endpoints.
type Deps struct {
	Self     peer.Self
	Peers    Directory
	Handoff  Negotiator
	Sessions Sessions
	Inbound  Inbound
	Capture  Capture
	Bus      *events.Bus
	Metrics  http.Handler
	Panel    http.Handler
}

// Server provides the HTTP API.
type Server struct {
	deps   Deps
	token  string
	logger *zap.SugaredLogger
	hub    *Hub
}

// NewServer creates the API server. An empty token disables auth.
func NewServer(deps Deps, token string, logger *zap.SugaredLogger) *Server {
	s := &Server{deps: deps, token: token, logger: logger}
	if deps.Bus != nil {
		s.hub = newHub(logger)
	}
	return s
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/self", s.handleSelf)
	if s.deps.Peers != nil {
		mux.HandleFunc("GET /api/peers", s.handlePeers)
	}
	if s.deps.Handoff != nil {
		mux.HandleFunc("POST /api/request", s.handleRequest)
		mux.HandleFunc("GET /api/requests", s.handleRequests)
		mux.HandleFunc("POST /api/respond", s.handleRespond)
	}
	if s.deps.Sessions != nil || s.deps.Inbound != nil {
		mux.HandleFunc("GET /api/sessions", s.handleSessions)
	}
	if s.deps.Sessions != nil {
		mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	}
	if s.deps.Capture != nil {
		mux.HandleFunc("GET /api/capture", s.handleCapture)
		mux.HandleFunc("POST /api/capture", s.handleSetCapture)
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws/events", s.hub.handleWebSocket)
	}
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.deps.Panel != nil {
		mux.Handle("GET /{$}", s.deps.Panel)
	}
	return s.authMiddleware(s.recoverMiddleware(mux))
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the API on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.hub != nil {
		go s.hub.run(ctx, s.deps.Bus.Subscribe(64))
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("API listening", "address", ln.Addr().String(), "auth", s.token != "")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// recoverMiddleware prevents panics from crashing the whole server
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Errorw("API handler panicked", "path", r.URL.Path, "panic", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks the bearer token if one is configured. Browsers
// cannot set headers on WebSocket upgrades, so ?token= is accepted too.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debugw("API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)

		// The panel page carries no data; it authenticates its own calls.
		if s.token == "" || r.URL.Path == "/health" || r.URL.Path == "/" {
			next.ServeHTTP(w, r)
			return
		}

		got := r.Header.Get("Authorization")
		if q := r.URL.Query().Get("token"); got == "" && q != "" {
			got = "Bearer " + q
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+s.token)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Self)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.deps.Peers.Peers()
	if peers == nil {
		peers = []peer.Record{}
	}
	writeJSON(w, http.StatusOK, peers)
}

type controlRequest struct {
	TargetID peer.ID           `json:"target_id"`
	Options  *protocol.Options `json:"options"`
}

// handleRequest asks a peer (or everyone, with no target) for control.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body controlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	opts := protocol.DefaultOptions()
	if body.Options != nil {
		opts = *body.Options
	}

	nonce, err := s.deps.Handoff.RequestControl(body.TargetID, opts)
	switch {
	case errors.Is(err, handoff.ErrUnknownPeer):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, protocol.ErrInvalidOptions):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]uint64{"nonce": nonce})
	}
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Handoff.Pending()
	if pending == nil {
		pending = []events.RequestReceived{}
	}
	outstanding := s.deps.Handoff.Outstanding()
	if outstanding == nil {
		outstanding = []handoff.Outgoing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":     pending,
		"outstanding": outstanding,
	})
}

type respondRequest struct {
	RequesterID peer.ID `json:"requester_id"`
	Nonce       uint64  `json:"nonce"`
	Accept      bool    `json:"accept"`
	Reason      string  `json:"reason,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequesterID == "" {
		writeError(w, http.StatusBadRequest, errors.New("requester_id and nonce are required"))
		return
	}
	err := s.deps.Handoff.Respond(body.RequesterID, body.Nonce, body.Accept, body.Reason)
	switch {
	case errors.Is(err, handoff.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	out := []session.Info{}
	if s.deps.Sessions != nil {
		out = append(out, s.deps.Sessions.Sessions()...)
	}
	in := []relay.SessionInfo{}
	if s.deps.Inbound != nil {
		in = append(in, s.deps.Inbound.Sessions()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"outbound": out, "inbound": in})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.CloseSession(id); err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type captureState struct {
	Active *bool `json:"active"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.deps.Capture.Active()})
}

func (s *Server) handleSetCapture(w http.ResponseWriter, r *http.Request) {
	var body captureState
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"active": bool}`))
		return
	}
	s.deps.Capture.SetActive(*body.Active)
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.deps.Capture.Active()})
}
