// Package transport frames the duplex message channel: it accepts TCP
// connections, performs the WebSocket upgrade, and funnels parsed text
// frames to and from a session.Session. Wire framing itself (the
// WebSocket/TLS handshake) is out of this spec's scope; this package is the
// thin connection I/O layer described in spec §1(a).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tanmay-xvx/inmem-pubsub/internal/admission"
	"github.com/tanmay-xvx/inmem-pubsub/internal/broker"
	"github.com/tanmay-xvx/inmem-pubsub/internal/config"
	"github.com/tanmay-xvx/inmem-pubsub/internal/metrics"
	"github.com/tanmay-xvx/inmem-pubsub/internal/protocol"
	"github.com/tanmay-xvx/inmem-pubsub/internal/session"
)

// Server handles TCP listening and WebSocket upgrades for the broker's
// duplex message channel, grounded on go-server-3/internal/transport.
type Server struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *broker.Registry
	metrics  *metrics.Registry
	guard    *admission.Guard

	listener net.Listener
	wg       sync.WaitGroup

	sessionsMu sync.Mutex
	sessions   map[string]*session.Session
}

// NewServer builds a transport Server bound to registry.
func NewServer(cfg config.Config, logger *zap.Logger, registry *broker.Registry, metricsRegistry *metrics.Registry) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metricsRegistry,
		guard:    admission.NewGuard(cfg.Broker.AcceptRatePerSecond),
		sessions: make(map[string]*session.Session),
	}
}

// Start begins accepting connections in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", addr), zap.String("path", s.cfg.Server.Path))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	return nil
}

// Stop closes the listener and waits for all connections to finish.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

// Addr returns the bound listen address; only valid after Start succeeds.
// Mainly useful in tests that bind to port 0 and need the chosen port.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		if !s.guard.AllowAccept() {
			s.metrics.AcceptErrors.Inc()
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		s.logger.Debug("set deadline", zap.Error(err))
	}
	if _, err := ws.Upgrade(conn); err != nil {
		s.metrics.AcceptErrors.Inc()
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if max := s.cfg.Broker.MaxSessions; max > 0 && s.SessionCount() >= max {
		s.metrics.AcceptErrors.Inc()
		s.rejectSession(conn, max)
		return
	}

	sess := session.New(uuid.NewString(), s.registry, session.Config{
		MaxSubscriptions:     s.cfg.Broker.MaxSubscriptionsPerSession,
		MaxPayloadBytes:      s.cfg.Broker.MaxPayloadBytes,
		PublishRatePerSecond: s.cfg.Broker.PublishRatePerSession,
	}, s.logger, s.metrics)

	s.registerSession(sess)
	s.metrics.Sessions.Inc()
	defer func() {
		s.unregisterSession(sess)
		s.metrics.Sessions.Dec()
	}()

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(connCtx, sess, conn)
	}()

	s.readLoop(connCtx, sess, conn)
	cancel()
	sess.Close()
	<-writerDone
}

// rejectSession sends a single too-many-sessions error frame to a caller
// admitted at the TCP/WebSocket level but turned away before a Session is
// created, since MaxSessions (spec §5) is checked post-upgrade.
func (s *Server) rejectSession(conn net.Conn, max int) {
	frame := protocol.NewError("", string(broker.CodeTooManySessions), fmt.Sprintf("limit is %d", max))
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := wsutil.WriteServerMessage(conn, ws.OpText, b); err != nil {
		s.logger.Debug("write too-many-sessions frame", zap.Error(err))
	}
}

func (s *Server) registerSession(sess *session.Session) {
	s.sessionsMu.Lock()
	s.sessions[sess.ID()] = sess
	s.sessionsMu.Unlock()
}

func (s *Server) unregisterSession(sess *session.Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess.ID())
	s.sessionsMu.Unlock()
}

func (s *Server) readLoop(ctx context.Context, sess *session.Session, conn net.Conn) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				s.logger.Debug("write pong error", zap.Error(err))
				return
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read message data error", zap.Error(err))
				return
			}
			sess.HandleFrame(payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				s.logger.Debug("drain frame data error", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, sess *session.Session, conn net.Conn) {
	out := sess.Outbound()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-out:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, frame); err != nil {
				s.logger.Debug("write message error", zap.Error(err))
				return
			}
		}
	}
}
