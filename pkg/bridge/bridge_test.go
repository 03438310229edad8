package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/meshchat/pkg/mesh"
	"github.com/tomaslejdung/meshchat/pkg/node"
)

type fakeChat struct {
	mu      sync.Mutex
	channel string
	sent    []string
	events  chan node.Event
}

func newFakeChat() *fakeChat {
	return &fakeChat{channel: "#general", events: make(chan node.Event, 8)}
}

func (f *fakeChat) Username() string { return "alice" }

func (f *fakeChat) Channel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel
}

func (f *fakeChat) Links() []mesh.LinkInfo {
	return []mesh.LinkInfo{{Peer: "bob", Role: mesh.RoleResponder, State: mesh.StateOpen}}
}

func (f *fakeChat) Send(text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return 1, nil
}

func (f *fakeChat) SwitchChannel(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = name
	return nil
}

func (f *fakeChat) CreateChannel(_ context.Context, name string) error {
	return errors.New("Channel '" + name + "' already exists")
}

func (f *fakeChat) ListChannels(context.Context) ([]string, error) {
	return []string{"#general", "#random"}, nil
}

func (f *fakeChat) Subscribe() <-chan node.Event { return f.events }

func (f *fakeChat) Unsubscribe(<-chan node.Event) {}

func dial(t *testing.T, chat Chat) (*websocket.Conn, *Server) {
	t.Helper()
	s := New(chat, zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx, chat.Subscribe())

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, s
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBridge_StatusOnConnect(t *testing.T) {
	req := require.New(t)
	conn, _ := dial(t, newFakeChat())

	msg := read(t, conn)

	req.Equal("status", msg.Type)
	req.Equal("alice", msg.Username)
	req.Equal("#general", msg.Channel)
	req.Len(msg.Links, 1)
	req.Equal("bob", msg.Links[0].Peer)
}

func TestBridge_Commands(t *testing.T) {
	req := require.New(t)
	chat := newFakeChat()
	conn, _ := dial(t, chat)
	read(t, conn)

	// send
	req.NoError(conn.WriteJSON(Command{Type: "send", Text: "hi"}))
	msg := read(t, conn)
	req.Equal("sent", msg.Type)
	req.NotNil(msg.Sent)
	req.Equal(1, *msg.Sent)

	// join
	req.NoError(conn.WriteJSON(Command{Type: "join", Channel: "#random"}))
	msg = read(t, conn)
	req.Equal("status", msg.Type)
	req.Equal("#random", msg.Channel)

	// create failure is reported
	req.NoError(conn.WriteJSON(Command{Type: "create", Channel: "#general"}))
	msg = read(t, conn)
	req.Equal("error", msg.Type)
	req.Contains(msg.Error, "already exists")

	// list
	req.NoError(conn.WriteJSON(Command{Type: "list"}))
	msg = read(t, conn)
	req.Equal([]string{"#general", "#random"}, msg.Channels)

	// garbage
	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte("nope")))
	msg = read(t, conn)
	req.Equal("error", msg.Type)

	chat.mu.Lock()
	req.Equal([]string{"hi"}, chat.sent)
	chat.mu.Unlock()
}

func TestBridge_ForwardsEvents(t *testing.T) {
	req := require.New(t)
	chat := newFakeChat()
	conn, s := dial(t, chat)
	read(t, conn)
	req.Eventually(func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.clients) == 1
	}, time.Second, 10*time.Millisecond)

	chat.events <- node.Event{Kind: node.EventChat, From: "bob", Text: "hi"}

	msg := read(t, conn)
	req.Equal("event", msg.Type)
	req.NotNil(msg.Event)
	req.Equal("bob: hi", msg.Event.String())
}

func TestBridge_ReplaysEarlierEvents(t *testing.T) {
	req := require.New(t)
	chat := newFakeChat()
	s := New(chat, zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx, chat.Subscribe())

	// Given the node announced its registration before any page was open
	chat.events <- node.Event{Kind: node.EventSystem, Text: "Registered as alice, joined #general"}
	req.Eventually(func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.history) == 1
	}, time.Second, 10*time.Millisecond)

	// When a page connects
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	req.NoError(err)
	t.Cleanup(func() { conn.Close() })

	// Then it gets the status followed by the missed event
	req.Equal("status", read(t, conn).Type)
	msg := read(t, conn)
	req.Equal("event", msg.Type)
	req.NotNil(msg.Event)
	req.Equal("[system] Registered as alice, joined #general", msg.Event.String())
}

func TestBridge_Index(t *testing.T) {
	req := require.New(t)
	s := New(newFakeChat(), zerolog.Nop())
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	req.Equal(http.StatusOK, rec.Code)
	req.Contains(rec.Body.String(), "meshchat")
}
