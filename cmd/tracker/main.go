package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/tomaslejdung/meshchat/pkg/tracker"
)

// env is read from TRACKER_* variables; PORT is honored for cloud deployments.
type env struct {
	Port             int           `envconfig:"PORT" default:"8000"`
	HeartbeatTimeout time.Duration `split_words:"true" default:"60s"`
	ReapInterval     time.Duration `split_words:"true" default:"30s"`
	Debug            bool
}

func main() {
	var e env
	if err := envconfig.Process("tracker", &e); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	port := flag.Int("port", e.Port, "Server port")
	timeout := flag.Duration("heartbeat-timeout", e.HeartbeatTimeout, "Drop peers silent for this long")
	reap := flag.Duration("reap-interval", e.ReapInterval, "How often to look for silent peers")
	debug := flag.Bool("debug", e.Debug, "Log every request")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := tracker.NewServer(tracker.Config{
		HeartbeatTimeout: *timeout,
		ReapInterval:     *reap,
	}, log)

	addr := fmt.Sprintf(":%d", *port)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		log.Fatal().Err(err).Msg("tracker stopped")
	}
}
