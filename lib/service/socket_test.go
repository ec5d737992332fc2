// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/queryledger/queryledger/lib/codec"
	"github.com/queryledger/queryledger/lib/testutil"
)

func startSocket(t *testing.T) (string, *Socket, context.CancelFunc) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	socket := NewSocket(path, slog.New(slog.DiscardHandler))

	socket.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			Message string `cbor:"message"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return map[string]string{"message": req.Message}, nil
	})
	socket.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("handler exploded")
	})
	socket.Handle("empty", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- socket.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "waiting for Serve to stop")
	})

	waitForSocket(t, path)
	return path, socket, cancel
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		err := Call(context.Background(), path, map[string]string{"action": "empty"}, nil)
		if err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("socket never became ready")
}

func TestCallRoundTrip(t *testing.T) {
	path, _, _ := startSocket(t)

	var reply struct {
		Message string `cbor:"message"`
	}
	request := map[string]string{"action": "echo", "message": "hello"}
	if err := Call(context.Background(), path, request, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Message != "hello" {
		t.Errorf("Message = %q", reply.Message)
	}
}

func TestCallHandlerError(t *testing.T) {
	path, _, _ := startSocket(t)

	err := Call(context.Background(), path, map[string]string{"action": "fail"}, nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
	if got := err.Error(); got != fmt.Sprintf("%s: handler exploded", ErrRemote.Error()) {
		t.Errorf("error text = %q", got)
	}
}

func TestCallUnknownAction(t *testing.T) {
	path, _, _ := startSocket(t)

	err := Call(context.Background(), path, map[string]string{"action": "nonsense"}, nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
}

func TestCallMissingAction(t *testing.T) {
	path, _, _ := startSocket(t)

	err := Call(context.Background(), path, map[string]string{"other": "x"}, nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
}

func TestHandleDuplicatePanics(t *testing.T) {
	socket := NewSocket("unused", nil)
	socket.Handle("dup", func(context.Context, []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("duplicate Handle did not panic")
		}
	}()
	socket.Handle("dup", func(context.Context, []byte) (any, error) { return nil, nil })
}
