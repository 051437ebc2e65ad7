// Package relay implements the broker between command-line clients and
// long-lived editor instances. One TCP endpoint accepts both roles; the
// first frame on a connection decides which session type handles it.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bigdra50/unity-relay/pkg/cache"
	"github.com/bigdra50/unity-relay/pkg/config"
	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
	"github.com/bigdra50/unity-relay/pkg/registry"
)

// firstFrameTimeout bounds how long a fresh connection may sit silent
// before identifying itself.
const firstFrameTimeout = 10 * time.Second

// Server is the relay aggregate: listener, instance registry, and
// idempotency cache, constructed at startup and passed to handlers. No
// process-wide mutable state, so tests run servers in-process.
type Server struct {
	cfg   *config.Config
	log   *logging.Logger
	reg   *registry.Registry
	cache *cache.RequestCache

	ln      net.Listener
	limiter *connLimiter
	accepts *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer builds a relay server from configuration.
func NewServer(cfg *config.Config, log *logging.Logger) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logging.Default()
	}
	s := &Server{
		cfg: cfg,
		log: log,
		reg: registry.New(registry.Options{
			QueueEnabled:  cfg.Server.QueueEnabled,
			QueueCapacity: cfg.Server.QueueCapacity,
			ReloadGrace:   cfg.ReloadGrace(),
			Logger:        log,
		}),
		cache:   cache.New(cfg.CacheTTL(), log),
		limiter: newConnLimiter(cfg.Server.MaxConns),
		accepts: rate.NewLimiter(rate.Limit(200), 400),
		done:    make(chan struct{}),
	}
	s.cache.OnHit = metricCacheHits.Inc
	return s
}

// Registry exposes the instance table (used by tests).
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Listen binds the configured address. Call before Serve when the chosen
// port matters (tests bind port 0 and read Addr).
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info(logging.CategoryNetwork, "listening", "relay server listening",
		map[string]any{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds and serves until ctx is cancelled or Shutdown is
// called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop. Each accepted connection is handled by an
// independent goroutine; a bad connection never takes the relay down.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return fmt.Errorf("serve called before listen")
	}
	s.cache.Start()
	if s.cfg.Server.MetricsAddr != "" {
		s.serveMetrics(s.cfg.Server.MetricsAddr)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.done:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				s.wg.Wait()
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.accepts.Allow() {
			s.log.Warn(logging.CategoryNetwork, "accept_throttled", "dropping connection, accept rate exceeded",
				map[string]any{"remote": conn.RemoteAddr().String()})
			conn.Close()
			continue
		}
		if !s.limiter.Acquire() {
			s.log.Warn(logging.CategoryNetwork, "conn_limit", "dropping connection, limit reached",
				map[string]any{"remote": conn.RemoteAddr().String(), "max": s.cfg.Server.MaxConns})
			conn.Close()
			continue
		}

		s.wg.Add(1)
		metricConnsActive.Inc()
		go func(c net.Conn) {
			defer func() {
				s.limiter.Release()
				metricConnsActive.Dec()
				s.wg.Done()
			}()
			s.handleConn(ctx, c)
		}(conn)
	}
}

// Shutdown stops accepting, tears down all sessions, and fails pending
// work. It does not wait; Serve returns once the handlers have drained.
// Idempotent.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			s.ln.Close()
		}
		s.reg.CloseAll()
		s.cache.Stop()
		s.log.Info(logging.CategoryNetwork, "stopped", "relay server stopped", nil)
	})
}

// handleConn performs role discrimination on the first frame: REGISTER
// opens an editor session; REQUEST, LIST_INSTANCES, or SET_DEFAULT opens
// a client session. Anything else is a fatal protocol error.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(firstFrameTimeout))
	raw, err := protocol.ReadFrame(conn)
	if err != nil {
		s.replyFrameError(conn, err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		s.replyFrameError(conn, err)
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		s.handleEditorConn(ctx, conn, raw)
	case protocol.TypeRequest, protocol.TypeListInstances, protocol.TypeSetDefault:
		s.handleClientConn(ctx, conn, env, raw)
	default:
		s.log.Warn(logging.CategoryNetwork, "bad_first_frame", "unrecognized first frame",
			map[string]any{"type": string(env.Type), "remote": conn.RemoteAddr().String()})
		writeErrorFrame(conn, nil, env.ID, "PROTOCOL_ERROR",
			fmt.Sprintf("unexpected first frame type: %s", env.Type))
	}
}

// replyFrameError sends the best-effort final ERROR frame for a framing
// failure and leaves the connection to be closed by the caller.
func (s *Server) replyFrameError(conn net.Conn, err error) {
	if fe, ok := err.(*protocol.FrameError); ok {
		s.log.Warn(logging.CategoryNetwork, "frame_error", "fatal framing error",
			map[string]any{"remote": conn.RemoteAddr().String(), "code": fe.Code, "error": fe.Message})
		writeErrorFrame(conn, nil, "", fe.Code, fe.Message)
		return
	}
	// Plain I/O errors (EOF, reset, deadline) are normal connection churn.
	s.log.Debug(logging.CategoryNetwork, "conn_closed", "connection closed",
		map[string]any{"remote": conn.RemoteAddr().String(), "error": err.Error()})
}

// writeErrorFrame writes one ERROR frame directly, serialized through wmu
// when the connection has concurrent writers.
func writeErrorFrame(conn net.Conn, wmu *sync.Mutex, requestID, code, message string) {
	if wmu != nil {
		wmu.Lock()
		defer wmu.Unlock()
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = protocol.WriteFrame(conn, protocol.NewErrorFrame(requestID, code, message))
	conn.SetWriteDeadline(time.Time{})
}
