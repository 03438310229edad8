// Package tracker is the rendezvous service: a peer registry with heartbeat
// expiry, named channels and per-peer signal mailboxes, served over HTTP.
package tracker

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tomaslejdung/meshchat/pkg/rendezvous"
	"github.com/tomaslejdung/meshchat/pkg/signal"
)

// SystemOwner owns the channels present at startup
const SystemOwner = "system"

// Config tunes peer expiry
type Config struct {
	HeartbeatTimeout time.Duration
	ReapInterval     time.Duration
}

// DefaultConfig expires peers silent for a minute, checking every 30s
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 60 * time.Second,
		ReapInterval:     30 * time.Second,
	}
}

type peerRecord struct {
	ip       string
	port     int
	lastSeen time.Time
}

type channelRecord struct {
	owner   string
	members []string
}

// Server holds all tracker state in memory
type Server struct {
	cfg      Config
	log      zerolog.Logger
	validate *validator.Validate
	now      func() time.Time

	peersMu sync.RWMutex
	peers   map[string]*peerRecord

	channelsMu sync.RWMutex
	channels   map[string]*channelRecord

	mailMu    sync.Mutex
	mailboxes map[string][]rendezvous.QueuedSignal
}

func NewServer(cfg Config, log zerolog.Logger) *Server {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	return &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "tracker").Logger(),
		validate:  validator.New(),
		now:       time.Now,
		peers:     make(map[string]*peerRecord),
		channels:  map[string]*channelRecord{signal.DefaultChannel: {owner: SystemOwner}},
		mailboxes: make(map[string][]rendezvous.QueuedSignal),
	}
}

// Router returns the HTTP handler for every rendezvous endpoint
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post(rendezvous.PathRegister, s.handleRegister)
	r.Post(rendezvous.PathHeartbeat, s.handleHeartbeat)
	r.Route("/channels", func(r chi.Router) {
		r.Post("/create", s.handleCreateChannel)
		r.Post("/join", s.handleJoinChannel)
		r.Post("/leave", s.handleLeaveChannel)
		r.Get("/list", s.handleListChannels)
		r.Post("/get-peers", s.handleGetPeers)
	})
	r.Post(rendezvous.PathSignal, s.handleSignal)
	r.Post(rendezvous.PathGetSignals, s.handleGetSignals)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Reap removes every peer silent for longer than the heartbeat timeout, along
// with its channel memberships and mailbox. It returns the removed names.
func (s *Server) Reap() []string {
	cutoff := s.now().Add(-s.cfg.HeartbeatTimeout)

	s.peersMu.Lock()
	var dead []string
	for name, p := range s.peers {
		if p.lastSeen.Before(cutoff) {
			dead = append(dead, name)
			delete(s.peers, name)
		}
	}
	s.peersMu.Unlock()

	if len(dead) == 0 {
		return nil
	}

	s.channelsMu.Lock()
	for _, ch := range s.channels {
		ch.members = lo.Without(ch.members, dead...)
	}
	s.channelsMu.Unlock()

	s.mailMu.Lock()
	for _, name := range dead {
		delete(s.mailboxes, name)
	}
	s.mailMu.Unlock()

	sort.Strings(dead)
	s.log.Info().Strs("peers", dead).Msg("reaped inactive peers")
	return dead
}

// RunReaper reaps on the configured interval until ctx is cancelled
func (s *Server) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// ListenAndServe serves on addr and reaps in the background until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go s.RunReaper(reapCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("tracker listening")
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

	s.log.Info().Msg("shutting down tracker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
