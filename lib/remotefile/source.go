// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotefile reads byte ranges of files on a remote host.
//
// The query log lives on the DNS server, not on the machine running
// the ledger, and it is large: the ingester never transfers the whole
// file, only the region past the committed cursor, in bounded chunks.
// The SSH implementation runs standard POSIX tools (wc, tail, head,
// cat) on the remote side so the server needs nothing installed
// beyond a shell.
package remotefile

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound reports that the remote path does not exist. Callers
// distinguish this from transport failures: a missing rotated copy is
// skipped, a missing query log fails the cycle.
var ErrNotFound = errors.New("remotefile: not found")

// TransportError wraps a failure to reach the remote host or run a
// command there. Cycle state committed before a TransportError is
// always valid; the fetch simply resumes from the cursor next time.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remotefile: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Source reads files on the log host.
type Source interface {
	// Size returns the current byte length of path, or ErrNotFound.
	Size(ctx context.Context, path string) (int64, error)

	// ReadRange returns up to length bytes of path starting at
	// offset. Fewer bytes than requested means the file ended. A
	// read past the end returns an empty slice, not an error.
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)

	// ReadAll returns the whole content of path, or ErrNotFound.
	// Meant for small files such as lease tables.
	ReadAll(ctx context.Context, path string) ([]byte, error)
}
