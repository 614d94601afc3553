package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lvbms/internal/telemetry"
)

// Controller is the part of the supervisor the HTTP API exposes.
type Controller interface {
	Snapshot() telemetry.Snapshot
	Recover() error
	SetBalancing(on bool) error
}

type BalancingRequest struct {
	Enable bool `json:"enable"`
}

type ActionResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type Server struct {
	ctl Controller
	log *log.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func New(ctl Controller, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		ctl:     ctl,
		log:     logger,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.rootHandler)
	mux.HandleFunc("GET /ws", s.wsHandler)
	mux.HandleFunc("POST /api/recover", s.recoverHandler)
	mux.HandleFunc("POST /api/balancing", s.balancingHandler)
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) recoverHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.ctl.Recover())
}

func (s *Server) balancingHandler(w http.ResponseWriter, r *http.Request) {
	var req BalancingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Error: "invalid request body"})
		return
	}
	s.respond(w, s.ctl.SetBalancing(req.Enable))
}

func (s *Server) respond(w http.ResponseWriter, err error) {
	resp := ActionResponse{OK: err == nil, State: s.ctl.Snapshot().State}
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = http.StatusConflict
		s.log.Printf("[server] action rejected: %v", err)
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode: %v", err)
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 16),
	}

	// Queue the first frame under the lock, ahead of any broadcast.
	initial, err := json.Marshal(s.ctl.Snapshot())
	s.clientsMu.Lock()
	if err == nil {
		client.send <- initial
	}
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Printf("[ws] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.drop(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(c *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()
	if ok {
		close(c.send)
		s.log.Printf("[ws] client disconnected (%d total)", n)
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

// Publish broadcasts a snapshot to every websocket client. Slow clients
// miss frames rather than stall the caller.
func (s *Server) Publish(_ context.Context, snap telemetry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
	return nil
}

// Close disconnects all websocket clients.
func (s *Server) Close() error {
	s.closeClients()
	return nil
}

// Clients reports the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
