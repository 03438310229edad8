package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomaslejdung/meshchat/pkg/bridge"
	"github.com/tomaslejdung/meshchat/pkg/node"
	"github.com/tomaslejdung/meshchat/pkg/rendezvous"
	"github.com/tomaslejdung/meshchat/pkg/settings"
	"github.com/tomaslejdung/meshchat/pkg/tracker"
	"github.com/tomaslejdung/meshchat/pkg/transport"
)

const debugLogFile = "meshchat-debug.log"

func printHelp() {
	fmt.Println(`meshchat - P2P mesh chat over WebRTC data channels

Usage: meshchat [options]

Peers find each other through a tracker, exchange WebRTC offers, answers and
ICE candidates through it, then chat directly over data channels.

Options:
  --user, -u <name>       Your name in the mesh (required)
  --tracker, -t <url>     Tracker URL (default: saved or http://127.0.0.1:8000)
  --channel, -c <name>    Channel to join (default: #general)
  --ip <addr>             IP announced to the tracker (default: first LAN address)
  --port, -p <port>       Port announced to the tracker (default: 9001)
  --web <addr>            Serve the browser UI (e.g. :8080) instead of the TUI
  --serve, -s             Run as tracker only
  --listen <addr>         Tracker listen address (default: :8000)
  --log-level <level>     trace, debug, info, warn, error (default: info)
  --help, -h              Show help

Network Options:
  --stun <urls>           Comma separated STUN servers (default: Google STUN)
  --turn <url>            TURN server URL (e.g., turn:turn.example.com:3478)
  --turn-user <user>      TURN server username
  --turn-pass <pass>      TURN server password
  --force-relay           Force TURN relay (disable direct P2P connections)

Every option can also be set as MESHCHAT_<NAME> in the environment or a
.env file, e.g. MESHCHAT_USERNAME, MESHCHAT_TRACKER, MESHCHAT_TURN_SERVER.
The last used user, tracker and channel are remembered.

Examples:
  meshchat --serve                    # Run a tracker on :8000
  meshchat -u alice                   # Chat in #general via the saved tracker
  meshchat -u bob -t tracker.lan:8000 -c #go
  meshchat -u carol --web :8080       # Chat from the browser

Chat Commands:
  /join <#channel>     Leave the current channel and join another
  /create <#channel>   Create a channel and join it
  /list                List channels
  /peers               Users in the current channel
  /quit                Quit`)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	saved, err := settings.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Warning: could not read settings:", err)
	}

	cfg, err := loadConfig(saved, args)
	if cfg.Help || errors.Is(err, flag.ErrHelp) {
		printHelp()
		return nil
	}
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ServeMode {
		log := newLogger(os.Stderr, cfg.Level(), true)
		return tracker.NewServer(tracker.DefaultConfig(), log).ListenAndServe(ctx, cfg.Listen)
	}

	if err := settings.Save(cfg.Settings()); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: could not save settings:", err)
	}

	if cfg.WebAddr != "" {
		log := newLogger(os.Stderr, cfg.Level(), true)
		n := newNode(cfg, log)
		events := n.Subscribe()
		if err := n.Start(ctx); err != nil {
			return err
		}
		defer n.Stop()
		return bridge.New(n, log).ListenAndServe(ctx, cfg.WebAddr, events)
	}

	// Write logs to file instead of corrupting TUI display
	var out io.Writer = io.Discard
	if f, err := os.Create(debugLogFile); err == nil {
		defer f.Close()
		out = f
	}
	log := newLogger(out, cfg.Level(), false)
	log.Info().Str("user", cfg.Username).Msg("meshchat started")

	// subscribe first so registration events reach the screen
	n := newNode(cfg, log)
	events := n.Subscribe()
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()
	return RunTUI(ctx, n, events)
}

func newNode(cfg Config, log zerolog.Logger) *node.Node {
	return node.New(node.Config{
		Username:      cfg.Username,
		AdvertiseIP:   cfg.AdvertiseIP,
		AdvertisePort: cfg.Port,
		Channel:       cfg.Channel,
	}, rendezvous.NewClient(cfg.Tracker), transport.NewPionFactory(cfg.ICE(), log), log)
}

func newLogger(w io.Writer, level zerolog.Level, color bool) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    !color,
		TimeFormat: time.TimeOnly,
	}).Level(level).With().Timestamp().Logger()
}
