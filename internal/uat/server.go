package uat

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lilDavid/GameCube-UAT-Bridge/internal/logger"
)

// MainPort and BackupPort are the two fixed ports UAT clients dial, per
// spec.md §4.F. A client connecting to either gets identical service.
const (
	MainPort   = 65399
	BackupPort = 44444
)

const (
	clientReadLimit = 1 << 20
	sendBufferSize  = 32
)

// InfoProvider supplies the current game-interface description shown to a
// client immediately after connecting and whenever it changes.
type InfoProvider func() InfoCommand

// Server hosts the UAT WebSocket endpoints on MainPort and BackupPort and
// fans server commands out to every connected client.
type Server struct {
	Info  InfoProvider
	Store *VariableStore
	// BindAddr is the address MainPort and BackupPort listen on. Empty
	// means 127.0.0.1, matching spec.md §6's default bind address.
	BindAddr string

	mu        sync.Mutex
	clients   map[*client]struct{}
	listeners []net.Listener
}

// NewServer builds a Server. info is called once per new connection (to send
// the initial Info command) and again whenever the driver wants to push an
// updated Info to every client via Broadcast.
func NewServer(info InfoProvider, store *VariableStore) *Server {
	return &Server{
		Info:    info,
		Store:   store,
		clients: make(map[*client]struct{}),
	}
}

// client is one connected UAT session: a WebSocket connection plus an
// outbound queue drained by its own writer goroutine, matching the
// relay/direct server's one-goroutine-per-connection shape.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// ListenAndServe starts both fixed-port listeners and blocks until ctx is
// canceled, then closes every listener and connected client.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleConnect)

	bindAddr := s.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}

	errCh := make(chan error, 2)
	for _, port := range []int{MainPort, BackupPort} {
		ln, err := net.Listen("tcp", net.JoinHostPort(bindAddr, fmt.Sprint(port)))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("uat: listen on %d: %w", port, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		srv := &http.Server{Handler: mux}
		go func(port int) {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("uat: serve %d: %w", port, err)
				return
			}
			errCh <- nil
		}(port)
	}

	select {
	case <-ctx.Done():
		s.closeListeners()
		s.closeClients()
		return ctx.Err()
	case err := <-errCh:
		s.closeListeners()
		s.closeClients()
		return err
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Log.Warn("uat: accept failed", "error", err)
		return
	}
	conn.SetReadLimit(clientReadLimit)

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBufferSize)}
	s.addClient(c)
	defer s.removeClient(c)

	ctx := r.Context()
	logger.Log.Debug("uat: client connected", "client", c.id)

	go c.writeLoop(ctx)

	if s.Info != nil {
		s.enqueue(c, InfoCommand(s.Info()))
	}

	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			close(c.send)
			return
		}
		if typ == websocket.MessageBinary {
			logger.Log.Warn("uat: client sent binary frame, closing", "client", c.id)
			c.conn.Close(websocket.StatusUnsupportedData, "bad value")
			close(c.send)
			return
		}
		s.handleMessage(c, data)
	}
}

func (s *Server) handleMessage(c *client, data []byte) {
	parsed := ParseClientCommands(data)
	var replies []ServerCommand
	for _, p := range parsed {
		switch cmd := p.Command.(type) {
		case SyncCommand:
			replies = append(replies, VarCommandsFromVariables(s.Store.Snapshot())...)
		case nil:
			if p.Error != nil {
				replies = append(replies, *p.Error)
			}
		default:
			_ = cmd
		}
	}
	if len(replies) > 0 {
		s.send(c, replies)
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.conn.Close(websocket.StatusNormalClosure, "")
	logger.Log.Debug("uat: client disconnected", "client", c.id)
}

func (s *Server) enqueue(c *client, cmd ServerCommand) {
	s.send(c, []ServerCommand{cmd})
}

func (s *Server) send(c *client, cmds []ServerCommand) {
	data, err := EncodeServerCommands(cmds)
	if err != nil {
		logger.Log.Error("uat: encode failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		logger.Log.Warn("uat: client send buffer full, dropping message", "client", c.id)
	}
}

// Broadcast pushes cmds to every currently connected client. Used by the
// control loop to fan out VarCommands as the variable store changes and to
// push a fresh Info when the active game interface changes.
func (s *Server) Broadcast(cmds []ServerCommand) {
	if len(cmds) == 0 {
		return
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.send(c, cmds)
	}
}
