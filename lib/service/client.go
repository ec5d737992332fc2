// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/queryledger/queryledger/lib/codec"
)

// ErrRemote wraps an error string returned by the service.
var ErrRemote = errors.New("service: request failed")

// Call sends one request to the control socket and decodes the reply.
// request must carry its action field; result receives the response
// data and may be nil when no data is expected.
func Call(ctx context.Context, socketPath string, request any, result any) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("service: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("service: send request: %w", err)
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("service: read response: %w", err)
	}
	if !response.OK {
		return fmt.Errorf("%w: %s", ErrRemote, response.Error)
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("service: decode response data: %w", err)
		}
	}
	return nil
}
