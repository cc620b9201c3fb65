// Package gateway exposes a running node to local clients: a JSON HTTP API
// mirroring the node's command surface, plus a websocket event stream at /ws.
//
// The gateway carries no authentication of its own, so it binds to loopback
// unless configured otherwise.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rookery-im/rookery-go/node"
)

// DefaultListenAddr is where the gateway binds when no address is configured.
const DefaultListenAddr = "127.0.0.1:7450"

// Config carries the gateway dependencies.
type Config struct {
	// Node is the running node the gateway fronts.
	Node *node.Node

	// ListenAddr is the TCP address to bind. Defaults to DefaultListenAddr.
	ListenAddr string

	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Server serves the HTTP API and the event stream.
type Server struct {
	node *node.Node
	log  *slog.Logger
	addr string

	hub      *hub
	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	started  bool
	listener net.Listener
	server   *http.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New assembles a gateway for the given node. Call Start to begin serving.
func New(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.WithGroup("gateway")

	s := &Server{
		node: cfg.Node,
		log:  log,
		addr: cfg.ListenAddr,
		hub:  newHub(cfg.Node.Bus(), log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Trust rests on the loopback bind, not the Origin header;
			// browser-hosted UIs send origins the same-host default refuses.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the gateway's HTTP handler, for mounting on an existing
// server. The /ws endpoint only streams events while Start is running.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/announce", s.handleAnnounce).Methods("POST")

	r.HandleFunc("/contacts", s.handleAddContact).Methods("POST")
	r.HandleFunc("/contacts", s.handleContacts).Methods("GET")
	r.HandleFunc("/contacts/{id}", s.handleContact).Methods("GET")
	r.HandleFunc("/contacts/{id}", s.handleRemoveContact).Methods("DELETE")
	r.HandleFunc("/contacts/{id}/block", s.handleBlockContact).Methods("POST")
	r.HandleFunc("/contacts/{id}/unblock", s.handleUnblockContact).Methods("POST")

	// Literal grant routes go first; {subject}/{capability} would swallow
	// them otherwise.
	r.HandleFunc("/grants", s.handleGrant).Methods("POST")
	r.HandleFunc("/grants/all", s.handleGrantAll).Methods("POST")
	r.HandleFunc("/grants/issued/{subject}", s.handleGrantsIssued).Methods("GET")
	r.HandleFunc("/grants/received/{issuer}", s.handleGrantsReceived).Methods("GET")
	r.HandleFunc("/grants/{subject}/{capability}", s.handleRevokeGrant).Methods("DELETE")
	r.HandleFunc("/grants/{peer}/{capability}", s.handleCapability).Methods("GET")

	r.HandleFunc("/messages", s.handleSendMessage).Methods("POST")

	r.HandleFunc("/wall/posts", s.handleComposePost).Methods("POST")
	r.HandleFunc("/wall/posts/{id}", s.handleDeletePost).Methods("DELETE")
	r.HandleFunc("/wall/{channel}", s.handleFeed).Methods("GET")
	r.HandleFunc("/sync/{peer}", s.handleSync).Methods("POST")

	r.HandleFunc("/calls", s.handleStartCall).Methods("POST")
	r.HandleFunc("/calls", s.handleCalls).Methods("GET")
	r.HandleFunc("/calls/{id}", s.handleCall).Methods("GET")
	r.HandleFunc("/calls/{id}/answer", s.handleAnswerCall).Methods("POST")
	r.HandleFunc("/calls/{id}/candidate", s.handleCallCandidate).Methods("POST")
	r.HandleFunc("/calls/{id}/hangup", s.handleHangup).Methods("POST")

	r.HandleFunc("/peers", s.handlePeers).Methods("GET")
	r.HandleFunc("/peers/{id}", s.handlePeer).Methods("GET")
	r.HandleFunc("/peers/{id}/connect", s.handleConnectPeer).Methods("POST")

	r.HandleFunc("/ws", s.handleWS)

	return r
}

// Start binds the listen address and begins serving. The bound address is
// available from Addr, which matters when ListenAddr uses port 0.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("gateway: already started")
	}
	select {
	case <-s.hub.done:
		// The hub does not survive Stop; a stopped server stays stopped.
		return errors.New("gateway: already stopped")
	default:
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.listener = ln
	s.cancel = cancel
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.run(runCtx)
	}()

	go func() {
		s.log.Info("gateway listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway listener failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the listener down and disconnects every event subscriber.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	server := s.server
	s.mu.Unlock()

	cancel()
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	server.Shutdown(ctx)
	s.wg.Wait()
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s.hub, ws)
	s.hub.add(c)
	go c.writePump()
	go c.readPump()
}
