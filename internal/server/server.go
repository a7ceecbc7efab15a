// Package server accepts client TCP connections and serves framed requests.
//
// Each connection is handled by its own goroutine, strictly one frame at a
// time, so responses are written in request order. The number of concurrent
// connections is bounded; excess connections are closed on accept.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"
	"vawter.tech/stopper"

	"github.com/importly/moteus-motor/internal/command"
	"github.com/importly/moteus-motor/internal/logging"
	"github.com/importly/moteus-motor/internal/metrics"
	"github.com/importly/moteus-motor/internal/protocol"
)

const readBufferSize = 4096

// Options configures the listener and per-connection limits.
type Options struct {
	Address        string
	Port           int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxFrameBytes  int
}

// Server handles client TCP connections.
type Server struct {
	opts    Options
	codec   protocol.Codec
	handler command.Handler
	logger  pslog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	listener    net.Listener
	connections map[string]net.Conn
	stopChan    chan struct{}
	closeOnce   sync.Once

	slots chan struct{}
	wg    sync.WaitGroup
}

// New creates a server. Listen binds it and Serve runs the accept loop.
func New(opts Options, codec protocol.Codec, handler command.Handler, logger pslog.Logger, m *metrics.Metrics) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 64
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 2 * time.Minute
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 * 1024
	}
	return &Server{
		opts:        opts,
		codec:       codec,
		handler:     handler,
		logger:      logging.WithSubsystem(logger, "bridge.server").With("protocol", codec.Name()),
		metrics:     m,
		connections: make(map[string]net.Conn),
		stopChan:    make(chan struct{}),
		slots:       make(chan struct{}, opts.MaxConnections),
	}
}

// Listen binds the listener. It is called by Serve when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(s.opts.Address, strconv.Itoa(s.opts.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until sctx starts stopping or Close is called.
// It returns once every connection handler has exited.
func (s *Server) Serve(sctx *stopper.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if s.isClosed() {
		_ = listener.Close()
		return nil
	}

	sctx.Go(func(sctx *stopper.Context) error {
		select {
		case <-sctx.Stopping():
		case <-s.stopChan:
		}
		_ = s.Close()
		return nil
	})

	s.logger.Info("server.listening",
		"addr", listener.Addr().String(),
		"max_connections", s.opts.MaxConnections,
	)
	defer s.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.logger.Info("server.stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("server.accept.retry", "error", err)
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.metrics.ConnectionRejected()
			s.logger.Warn("server.connection.rejected",
				"remote", conn.RemoteAddr().String(),
				"reason", "max connections reached",
			)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(sctx, conn)
	}
}

// handleConnection serves frames on conn until the peer leaves, a framing
// error occurs or the server closes.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	id := xid.New().String()
	remote := conn.RemoteAddr().String()
	if !s.track(id, conn) {
		<-s.slots
		_ = conn.Close()
		return
	}
	defer func() {
		<-s.slots
		s.untrack(id)
	}()
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	logger := s.logger.With("conn", id, "remote", remote)
	logger.Info("server.connection.opened")

	reader := bufio.NewReaderSize(conn, readBufferSize)
	frames := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			s.logClosed(logger, frames, err)
			return
		}
		frame, err := s.codec.ReadFrame(reader, s.opts.MaxFrameBytes)
		if err != nil {
			s.logClosed(logger, frames, err)
			return
		}
		frames++

		batch, err := s.codec.DecodeRequest(frame)
		if err != nil {
			s.metrics.Frame("decode_error")
			logger.Debug("server.frame.malformed", "error", err, "bytes", len(frame))
			if reply := s.codec.ErrorReply(err); reply != nil {
				if err := s.write(conn, reply); err != nil {
					s.logClosed(logger, frames, err)
					return
				}
			}
			continue
		}
		s.metrics.Frame("ok")

		resp := s.handler.Apply(ctx, remote, batch)
		out, err := s.codec.EncodeResponse(resp)
		if err != nil {
			logger.Error("server.frame.encode_failed", "error", err)
			return
		}
		if err := s.write(conn, out); err != nil {
			s.logClosed(logger, frames, err)
			return
		}
	}
}

func (s *Server) write(conn net.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

func (s *Server) logClosed(logger pslog.Logger, frames int, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		logger.Info("server.connection.closed", "reason", "peer closed", "frames", frames)
	case s.isClosed():
		logger.Debug("server.connection.closed", "reason", "server shutdown", "frames", frames)
	case errors.Is(err, protocol.ErrFraming):
		logger.Warn("server.connection.framing_error", "error", err, "frames", frames)
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Info("server.connection.closed", "reason", "idle timeout", "frames", frames)
	default:
		logger.Warn("server.connection.error", "error", err, "frames", frames)
	}
}

func (s *Server) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return false
	}
	s.connections[id] = conn
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

func (s *Server) isClosed() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.stopChan)
		listener := s.listener
		conns := make([]net.Conn, 0, len(s.connections))
		for _, conn := range s.connections {
			conns = append(conns, conn)
		}
		s.mu.Unlock()

		if listener != nil {
			err = listener.Close()
		}
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return err
}
