package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tomaslejdung/meshchat/pkg/signal"
)

// ErrNetwork marks every failure to complete a rendezvous call: transport
// errors, non-2xx statuses, undecodable bodies and explicit error replies.
var ErrNetwork = errors.New("rendezvous unavailable")

// maxBody bounds how much of a response is read
const maxBody = 1 << 20

// Error describes a failed rendezvous call
type Error struct {
	Endpoint string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rendezvous %s: %s: %v", e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("rendezvous %s: %s", e.Endpoint, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrNetwork
func (e *Error) Is(target error) bool { return target == ErrNetwork }

// Client talks to the rendezvous service. Calls are not retried.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: NormalizeURL(baseURL),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NormalizeURL trims the URL, defaults the scheme to http and drops any
// trailing slash.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return strings.TrimRight(raw, "/")
}

// call performs one request and decodes the reply into out, which must embed
// Envelope (or be nil). A body whose status is not "success" is an error.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Endpoint: path, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &Error{Endpoint: path, Message: "build request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &Error{Endpoint: path, Message: "request failed", Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &Error{Endpoint: path, Message: "read response", Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return &Error{Endpoint: path, Message: "status " + resp.Status}
		}
		return &Error{Endpoint: path, Message: "decode response", Err: err}
	}
	if resp.StatusCode/100 != 2 || env.Status != StatusSuccess {
		msg := env.Message
		if msg == "" {
			msg = "status " + resp.Status
		}
		return &Error{Endpoint: path, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Endpoint: path, Message: "decode response", Err: err}
		}
	}
	return nil
}

// Register announces the identity and its advertised endpoint
func (c *Client) Register(ctx context.Context, username, ip string, port int) error {
	return c.call(ctx, http.MethodPost, PathRegister, RegisterRequest{Username: username, IP: ip, Port: port}, nil)
}

// Heartbeat keeps the registration alive
func (c *Client) Heartbeat(ctx context.Context, username string) error {
	return c.call(ctx, http.MethodPost, PathHeartbeat, HeartbeatRequest{Username: username}, nil)
}

// CreateChannel creates a channel owned by username. The creator is joined.
func (c *Client) CreateChannel(ctx context.Context, username, channel string) error {
	return c.call(ctx, http.MethodPost, PathCreate, ChannelRequest{Username: username, ChannelName: channel}, nil)
}

func (c *Client) JoinChannel(ctx context.Context, username, channel string) error {
	return c.call(ctx, http.MethodPost, PathJoin, ChannelRequest{Username: username, ChannelName: channel}, nil)
}

// LeaveChannel removes username from the channel's member list
func (c *Client) LeaveChannel(ctx context.Context, username, channel string) error {
	return c.call(ctx, http.MethodPost, PathLeave, ChannelRequest{Username: username, ChannelName: channel}, nil)
}

func (c *Client) ListChannels(ctx context.Context) ([]string, error) {
	var out ChannelsResponse
	if err := c.call(ctx, http.MethodGet, PathList, nil, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// GetRoster returns the registered members of a channel
func (c *Client) GetRoster(ctx context.Context, channel string) ([]Peer, error) {
	var out PeersResponse
	if err := c.call(ctx, http.MethodPost, PathGetPeers, PeersRequest{ChannelName: channel}, &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// SendSignal queues env.Signal in the mailbox of env.To
func (c *Client) SendSignal(ctx context.Context, env signal.Envelope) error {
	return c.call(ctx, http.MethodPost, PathSignal, SignalRequest{To: env.To, From: env.From, Signal: env.Signal}, nil)
}

// PollSignals drains the mailbox of username. Signals come back in the order
// they were queued.
func (c *Client) PollSignals(ctx context.Context, username string) ([]signal.Envelope, error) {
	var out SignalsResponse
	if err := c.call(ctx, http.MethodPost, PathGetSignals, SignalsRequest{Username: username}, &out); err != nil {
		return nil, err
	}
	envs := make([]signal.Envelope, 0, len(out.Signals))
	for _, s := range out.Signals {
		envs = append(envs, signal.Envelope{From: s.From, To: username, Signal: s.Signal})
	}
	return envs, nil
}
