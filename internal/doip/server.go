package doip

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vecusim/vecud/internal/ecu"
	"github.com/vecusim/vecud/internal/observability"
)

// Config holds the diagnostic endpoint settings.
type Config struct {
	// ListenAddr is the TCP address of the diagnostic endpoint.
	ListenAddr string
	// VIN is the ASCII identifier returned in vehicle announcements.
	VIN string
	// StagingPath is where an in-progress firmware image accumulates.
	StagingPath string
	// TargetPath is the running executable replaced on a verified update.
	TargetPath string
	Limits     Limits
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":13400",
		VIN:         "VECU-SIM-1234567",
		StagingPath: "update.bin",
		Limits:      DefaultLimits(),
	}
}

// Server accepts diagnostic connections and runs one session per connection.
// The shared ECU lifecycle is the only cross-session state; each session owns
// its transfer buffer exclusively.
type Server struct {
	cfg  Config
	life *ecu.Lifecycle
	log  zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	sessionCount atomic.Int64
}

func NewServer(cfg Config, life *ecu.Lifecycle, logger zerolog.Logger) *Server {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = DefaultLimits()
	}
	return &Server{
		cfg:   cfg,
		life:  life,
		log:   logger.With().Str("component", "doip").Logger(),
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe opens the configured listener and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on an existing listener. Context cancellation
// closes the listener and every open connection, unwinding in-flight
// sessions without completing pending writes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("diagnostic endpoint listening")

	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	remote := conn.RemoteAddr().String()
	active := s.sessionCount.Add(1)
	observability.SessionOpened()
	s.log.Info().Str("remote", remote).Int64("active_sessions", active).Msg("session connected")
	defer func() {
		remaining := s.sessionCount.Add(-1)
		observability.SessionClosed()
		s.log.Info().Str("remote", remote).Int64("active_sessions", remaining).Msg("session disconnected")
	}()

	sess := newSession(conn, s.cfg, s.life, s.log.With().Str("remote", remote).Logger())
	sess.run()
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
