// Package server implements the TCP front end: one request per connection
// turn, dispatched into an engine.Engine and answered with exactly one
// response (spec.md §4.8/§5).
package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/rkatre/kvs/internal/engine"
	"github.com/rkatre/kvs/internal/engine/kvs"
	"github.com/rkatre/kvs/internal/protocol"
)

// Compactor is implemented by engines that support an out-of-turn forced
// merge; only *kvs.Store does. The reserved Compact request is a no-op
// success against an engine that doesn't.
type Compactor interface {
	Compact() error
}

var _ Compactor = (*kvs.Store)(nil)

// Server accepts connections one at a time and serves exactly one request
// per connection, per spec.md §5's single-writer, single-threaded model.
type Server struct {
	eng      engine.Engine
	log      *zap.SugaredLogger
	listener net.Listener
}

// New wraps a listener and engine into a Server ready to Serve.
func New(listener net.Listener, eng engine.Engine, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{eng: eng, log: log, listener: listener}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener is closed, serving each
// synchronously before accepting the next — operations are globally
// serialized by this loop; no reordering is performed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Warnw("malformed request, closing connection", "remote", conn.RemoteAddr(), "error", err)
		}
		return
	}

	resp := s.dispatch(req)

	if err := protocol.WriteResponse(conn, resp); err != nil {
		s.log.Warnw("failed to write response, closing connection", "remote", conn.RemoteAddr(), "error", err)
	}
}

// dispatch maps one request into an engine call and the corresponding
// response, per the mapping table in spec.md §4.8.
func (s *Server) dispatch(req *protocol.Request) *protocol.Response {
	switch {
	case req.Get != nil:
		value, ok, err := s.eng.Get(req.Get.Key)
		if err != nil {
			s.log.Errorw("get failed", "key", req.Get.Key, "error", err)
			return failure(protocol.Unknown)
		}
		if !ok {
			return failure(protocol.NotFound)
		}
		return &protocol.Response{GetValue: &protocol.GetValueResponse{Value: value}}

	case req.Set != nil:
		if err := s.eng.Set(req.Set.Key, req.Set.Value); err != nil {
			s.log.Errorw("set failed", "key", req.Set.Key, "error", err)
			return failure(protocol.Unknown)
		}
		return success()

	case req.Delete != nil:
		err := s.eng.Remove(req.Delete.Key)
		switch {
		case err == nil:
			return success()
		case errors.Is(err, engine.ErrKeyNotFound):
			return failure(protocol.NotFound)
		default:
			s.log.Errorw("delete failed", "key", req.Delete.Key, "error", err)
			return failure(protocol.Unknown)
		}

	case req.Compact != nil:
		c, ok := s.eng.(Compactor)
		if !ok {
			return success()
		}
		if err := c.Compact(); err != nil {
			s.log.Errorw("compact failed", "error", err)
			return failure(protocol.Unknown)
		}
		return success()

	default:
		s.log.Warnw("request with no recognized variant set")
		return failure(protocol.Unknown)
	}
}

func success() *protocol.Response {
	return &protocol.Response{Success: &protocol.SuccessResponse{}}
}

func failure(code protocol.FailureCode) *protocol.Response {
	return &protocol.Response{Failure: &protocol.FailureResponse{Code: code}}
}
