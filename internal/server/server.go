package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/lotas/tabtree/internal/applog"
	"github.com/lotas/tabtree/internal/types"
)

var (
	ErrNotConnected = errors.New("extension not connected")
	ErrTimeout      = errors.New("extension request timed out")
)

// DefaultRequestTimeout bounds a request/response round trip.
const DefaultRequestTimeout = 5 * time.Second

// IncomingMsg is a message from the extension.
type IncomingMsg struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// Tab events
	Tab        json.RawMessage `json:"tab,omitempty"`
	TabID      int             `json:"tabId,omitempty"`
	WindowID   int             `json:"windowId,omitempty"`
	URLChanged bool            `json:"urlChanged,omitempty"`

	// Captures
	Content json.RawMessage `json:"content,omitempty"`
	Reason  string          `json:"reason,omitempty"`

	// Tree commands
	NodeID       string `json:"nodeId,omitempty"`
	ParentID     string `json:"parentId,omitempty"`
	Label        string `json:"label,omitempty"`
	WithChildren bool   `json:"withChildren,omitempty"`

	Settings json.RawMessage `json:"settings,omitempty"`

	// Reply fields
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// OutgoingMsg is a command, reply or broadcast sent to the extension.
type OutgoingMsg struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	TabID  int    `json:"tabId,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Reply and broadcast fields
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Server manages the WebSocket connection to the extension.
type Server struct {
	port    int
	timeout time.Duration
	msgs    chan IncomingMsg

	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
	pending map[string]chan IncomingMsg
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a new Server. Port 0 means the caller manages the listener.
func New(port int, opts ...Option) *Server {
	s := &Server{
		port:    port,
		timeout: DefaultRequestTimeout,
		msgs:    make(chan IncomingMsg, 256),
		pending: make(map[string]chan IncomingMsg),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Messages returns the channel of incoming messages from the extension.
// Replies to requests are consumed by Request and never appear here.
func (s *Server) Messages() <-chan IncomingMsg {
	return s.msgs
}

// Connected reports whether an extension is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send sends a message to the connected extension. It is a no-op when no
// extension is connected.
func (s *Server) Send(msg OutgoingMsg) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	applog.Info("ws.send", "action", msg.Action, "id", msg.ID)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Reply answers an incoming request. A nil err means success.
func (s *Server) Reply(id string, data any, err error) error {
	ok := err == nil
	msg := OutgoingMsg{ID: id, Action: "reply", OK: &ok, Data: data}
	if err != nil {
		msg.Error = err.Error()
	}
	return s.Send(msg)
}

// Broadcast pushes an event such as tree-updated to the extension.
func (s *Server) Broadcast(action string, data any) error {
	return s.Send(OutgoingMsg{Action: action, Data: data})
}

// Request sends a command and waits for the reply with the same id.
func (s *Server) Request(ctx context.Context, msg OutgoingMsg) (IncomingMsg, error) {
	msg.ID = uuid.NewString()
	ch := make(chan IncomingMsg, 1)

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return IncomingMsg{}, ErrNotConnected
	}
	s.pending[msg.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}()

	if err := s.Send(msg); err != nil {
		return IncomingMsg{}, fmt.Errorf("send %s: %w", msg.Action, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return IncomingMsg{}, ErrNotConnected
		}
		if reply.OK != nil && !*reply.OK {
			return reply, fmt.Errorf("%s: %s", msg.Action, reply.Error)
		}
		return reply, nil
	case <-timer.C:
		applog.Warn("ws.timeout", "action", msg.Action, "id", msg.ID)
		return IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, ErrTimeout)
	case <-ctx.Done():
		return IncomingMsg{}, ctx.Err()
	}
}

// deliver hands a reply to its waiting request. It reports false for
// replies nobody is waiting for.
func (s *Server) deliver(msg IncomingMsg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[msg.ID]
	if !ok {
		return false
	}
	delete(s.pending, msg.ID)
	ch <- msg
	return true
}

// dropPending fails every outstanding request.
func (s *Server) dropPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// GetTab asks the extension for the current state of a tab.
func (s *Server) GetTab(ctx context.Context, tabID int) (*types.Tab, error) {
	reply, err := s.Request(ctx, OutgoingMsg{Action: "get-tab", TabID: tabID})
	if err != nil {
		return nil, err
	}
	return ParseTab(reply.Tab)
}

// StartTracking tells the content script of tabID to capture for nodeID.
func (s *Server) StartTracking(ctx context.Context, tabID int, nodeID string) error {
	_, err := s.Request(ctx, OutgoingMsg{Action: "start-tracking", TabID: tabID, NodeID: nodeID})
	return err
}

// GetContent pulls the live page content of tabID without storing it.
func (s *Server) GetContent(ctx context.Context, tabID int) (*types.PageContent, error) {
	reply, err := s.Request(ctx, OutgoingMsg{Action: "get-content", TabID: tabID})
	if err != nil {
		return nil, err
	}
	return ParseContent(reply.Content)
}

// CaptureSnapshot asks for a one-off capture of tabID.
func (s *Server) CaptureSnapshot(ctx context.Context, tabID int, reason string) (*types.PageContent, error) {
	reply, err := s.Request(ctx, OutgoingMsg{Action: "capture-snapshot", TabID: tabID, Reason: reason})
	if err != nil {
		return nil, err
	}
	return ParseContent(reply.Content)
}

// CloseTab closes a browser tab.
func (s *Server) CloseTab(ctx context.Context, tabID int) error {
	_, err := s.Request(ctx, OutgoingMsg{Action: "close-tab", TabID: tabID})
	return err
}

// FocusTab activates a browser tab and its window.
func (s *Server) FocusTab(ctx context.Context, tabID int) error {
	_, err := s.Request(ctx, OutgoingMsg{Action: "focus-tab", TabID: tabID})
	return err
}

// Handler returns an http.Handler that accepts WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("websocket accept: %v", err)
			applog.Error("ws.accept", err)
			return
		}

		conn.SetReadLimit(32 << 20) // page captures carry full HTML and styles

		ctx := r.Context()
		s.mu.Lock()
		if s.conn != nil {
			applog.Info("ws.replaced")
			s.conn.CloseNow()
		}
		s.conn = conn
		s.connCtx = ctx
		s.mu.Unlock()

		applog.Info("ws.connected", "remote", r.RemoteAddr)

		defer func() {
			s.mu.Lock()
			current := s.conn == conn
			if current {
				s.conn = nil
				s.connCtx = nil
			}
			s.mu.Unlock()
			if current {
				s.dropPending()
			}
			conn.CloseNow()
			applog.Info("ws.disconnected")
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg IncomingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				applog.Error("ws.parse", err)
				continue
			}
			if msg.Type == "reply" {
				if !s.deliver(msg) {
					applog.Warn("ws.reply.orphan", "id", msg.ID)
				}
				continue
			}
			applog.Info("ws.recv", "type", msg.Type, "id", msg.ID)
			select {
			case s.msgs <- msg:
			default:
				applog.Warn("ws.dropped", "type", msg.Type)
			}
		}
	})
}

// ListenAndServe starts the WebSocket server on the configured port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	applog.Info("server.start", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	return srv.ListenAndServe()
}
