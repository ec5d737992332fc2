// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the control socket protocol: one CBOR
// request and one CBOR response per Unix socket connection. The
// service registers action handlers; the CLI is a thin Call wrapper.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/queryledger/queryledger/lib/codec"
)

// HandlerFunc processes one request. raw is the complete CBOR request
// including the routing "action" field; the handler decodes its own
// parameter struct from it. The returned value, if non-nil, becomes
// the response's data field.
type HandlerFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the wire envelope for every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	// requestDeadline bounds how long a connected client may take to
	// send its request.
	requestDeadline = 30 * time.Second

	// responseDeadline bounds writing the reply.
	responseDeadline = 10 * time.Second

	// maxRequestBytes caps a single request. Control requests are
	// tiny; 1 MB leaves room for large purge or ignore batches.
	maxRequestBytes = 1 << 20
)

// Socket serves the protocol on a Unix socket path. Register handlers
// before Serve; Serve removes any stale socket file, accepts until
// the context is cancelled, and waits for in-flight handlers.
type Socket struct {
	path     string
	log      *slog.Logger
	handlers map[string]HandlerFunc
	inflight sync.WaitGroup
}

// NewSocket creates a server for path. Handlers must be registered
// before Serve starts.
func NewSocket(path string, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Socket{
		path:     path,
		log:      logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for an action name. Duplicate
// registration is a programming error and panics.
func (s *Socket) Handle(action string, handler HandlerFunc) {
	if _, dup := s.handlers[action]; dup {
		panic(fmt.Sprintf("service: duplicate handler for %q", action))
	}
	s.handlers[action] = handler
}

// Serve listens until ctx is cancelled. The socket file is removed on
// return.
func (s *Socket) Serve(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("service: removing stale socket %s: %w", s.path, err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("service: listen %s: %w", s.path, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.path)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("control socket listening", "path", s.path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.inflight.Wait()
	return nil
}

func (s *Socket) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(requestDeadline))

	// CBOR is self-delimiting, so one Decode reads exactly one
	// request with no framing layer.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestBytes)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.reply(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil || header.Action == "" {
		s.reply(conn, Response{Error: "missing required field: action"})
		return
	}

	handler, ok := s.handlers[header.Action]
	if !ok {
		s.reply(conn, Response{Error: fmt.Sprintf("unknown action %q", header.Action)})
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.log.Debug("action failed", "action", header.Action, "error", err)
		s.reply(conn, Response{Error: err.Error()})
		return
	}

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.reply(conn, Response{Error: fmt.Sprintf("internal: encode response: %v", err)})
			return
		}
		response.Data = data
	}
	s.reply(conn, response)
}

func (s *Socket) reply(conn net.Conn, response Response) {
	conn.SetWriteDeadline(time.Now().Add(responseDeadline))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.log.Debug("write response failed", "error", err)
	}
}
