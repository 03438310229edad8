// Package bridge exposes a running node to browsers over a websocket: node
// events are pushed to every connected page, and pages send chat commands
// back.
package bridge

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomaslejdung/meshchat/pkg/mesh"
	"github.com/tomaslejdung/meshchat/pkg/node"
)

//go:embed static/index.html
var staticFiles embed.FS

// Chat is the node surface the bridge drives
type Chat interface {
	Username() string
	Channel() string
	Links() []mesh.LinkInfo
	Send(text string) (int, error)
	SwitchChannel(ctx context.Context, name string) error
	CreateChannel(ctx context.Context, name string) error
	ListChannels(ctx context.Context) ([]string, error)
	Subscribe() <-chan node.Event
	Unsubscribe(ch <-chan node.Event)
}

// Command is sent by a page
type Command struct {
	Type    string `json:"type"` // send, join, create, list, status
	Text    string `json:"text,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Message is sent to a page: either a node event or a reply to a command
type Message struct {
	Type     string          `json:"type"` // event, sent, channels, status, error
	Event    *node.Event     `json:"event,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Username string          `json:"username,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Links    []mesh.LinkInfo `json:"links,omitempty"`
	Sent     *int            `json:"sent,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// maxHistory bounds the events replayed to a page when it connects
const maxHistory = 100

// Server manages websocket clients
type Server struct {
	chat     Chat
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	history [][]byte
}

func New(chat Chat, log zerolog.Logger) *Server {
	return &Server{
		chat: chat,
		log:  log.With().Str("component", "bridge").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// Router serves the chat page and the websocket endpoint
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	content, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "page not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(s, conn)
	status := s.status()

	// status and backlog are queued before any new event can reach the page
	s.mu.Lock()
	c.deliver(status)
	for _, data := range s.history {
		c.enqueue(data)
	}
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Info().Str("client", c.id).Int("clients", count).Msg("page connected")

	go c.writePump()
	go c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.close()
		s.log.Info().Str("client", c.id).Msg("page disconnected")
	}
}

// Run forwards events to every connected page until ctx is cancelled or
// events is closed. events comes from the chat's Subscribe; subscribing before
// the node starts keeps its first events for pages that connect later.
func (s *Server) Run(ctx context.Context, events <-chan node.Event) {
	defer s.chat.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				s.closeAll()
				return
			}
			s.publish(Message{Type: "event", Event: &ev})
		}
	}
}

// publish sends msg to every page and keeps it for pages yet to connect
func (s *Server) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("encode message")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, data)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	for c := range s.clients {
		c.enqueue(data)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (s *Server) status() Message {
	return Message{
		Type:     "status",
		Username: s.chat.Username(),
		Channel:  s.chat.Channel(),
		Links:    s.chat.Links(),
	}
}

// handle runs one page command and returns the reply, if any
func (s *Server) handle(ctx context.Context, cmd Command) *Message {
	switch cmd.Type {
	case "send":
		sent, err := s.chat.Send(cmd.Text)
		if err != nil {
			return &Message{Type: "error", Error: err.Error()}
		}
		return &Message{Type: "sent", Sent: &sent}
	case "join":
		if err := s.chat.SwitchChannel(ctx, cmd.Channel); err != nil {
			return &Message{Type: "error", Error: err.Error()}
		}
		status := s.status()
		return &status
	case "create":
		if err := s.chat.CreateChannel(ctx, cmd.Channel); err != nil {
			return &Message{Type: "error", Error: err.Error()}
		}
		status := s.status()
		return &status
	case "list":
		channels, err := s.chat.ListChannels(ctx)
		if err != nil {
			return &Message{Type: "error", Error: err.Error()}
		}
		return &Message{Type: "channels", Channels: channels}
	case "status":
		status := s.status()
		return &status
	}
	return &Message{Type: "error", Error: "unknown command " + cmd.Type}
}

// ListenAndServe serves the bridge and forwards events until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string, events <-chan node.Event) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go s.Run(ctx, events)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
