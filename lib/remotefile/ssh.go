// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package remotefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes the connection to the log host.
type SSHConfig struct {
	Host string
	Port int
	User string

	// KeyFile is the private key for public key authentication.
	KeyFile string

	// KnownHostsFile pins the host key. When empty the host key is
	// accepted blindly; only do that on a trusted network.
	KnownHostsFile string

	// Timeout bounds the TCP dial and each remote command.
	Timeout time.Duration

	Logger *slog.Logger
}

// SSHSource implements Source by running POSIX file commands over an
// SSH exec channel. The connection is established lazily on first use
// and reused across calls; a transport failure drops it so the next
// call reconnects.
type SSHSource struct {
	cfg    SSHConfig
	log    *slog.Logger
	client *ssh.ClientConfig

	mu   sync.Mutex
	conn *ssh.Client
}

// NewSSHSource validates the configuration and loads the key
// material. No connection is made until the first read.
func NewSSHSource(cfg SSHConfig) (*SSHSource, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, errors.New("remotefile: ssh host and user are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("remotefile: read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("remotefile: parse key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("remotefile: known hosts: %w", err)
		}
	}

	return &SSHSource{
		cfg: cfg,
		log: cfg.Logger,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.Timeout,
		},
	}, nil
}

// Size implements Source. The remote command prints -1 for a missing
// path so existence and transport failures stay distinguishable.
func (s *SSHSource) Size(ctx context.Context, path string) (int64, error) {
	out, err := s.run(ctx, "size", sizeCommand(path))
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, &TransportError{Op: "size", Err: fmt.Errorf("unexpected output %q", out)}
	}
	if size < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return size, nil
}

// ReadRange implements Source.
func (s *SSHSource) ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("remotefile: bad range offset=%d length=%d", offset, length)
	}
	return s.run(ctx, "read-range", rangeCommand(path, offset, length))
}

// ReadAll implements Source.
func (s *SSHSource) ReadAll(ctx context.Context, path string) ([]byte, error) {
	if _, err := s.Size(ctx, path); err != nil {
		return nil, err
	}
	return s.run(ctx, "read-all", "cat "+shellQuote(path))
}

// Close drops the cached connection, if any.
func (s *SSHSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *SSHSource) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	tcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, chans, reqs, err := ssh.NewClientConn(tcp, addr, s.client)
	if err != nil {
		tcp.Close()
		return nil, err
	}
	s.conn = ssh.NewClient(conn, chans, reqs)
	s.log.Debug("ssh connected", "addr", addr, "user", s.cfg.User)
	return s.conn, nil
}

// drop discards a connection after a failure so the next call dials
// fresh. Only drops the exact client that failed; a concurrent
// reconnect is left alone.
func (s *SSHSource) drop(failed *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == failed {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *SSHSource) run(ctx context.Context, op, command string) ([]byte, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	session, err := client.NewSession()
	if err != nil {
		s.drop(client)
		return nil, &TransportError{Op: op, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		s.drop(client)
		return nil, &TransportError{Op: op, Err: ctx.Err()}
	case err = <-done:
	}
	if err != nil {
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			msg := strings.TrimSpace(stderr.String())
			return nil, &TransportError{Op: op, Err: fmt.Errorf("exit %d: %s", exit.ExitStatus(), msg)}
		}
		s.drop(client)
		return nil, &TransportError{Op: op, Err: err}
	}
	return stdout.Bytes(), nil
}

// sizeCommand prints the byte length of path, or -1 when it does not
// exist, and always exits 0.
func sizeCommand(path string) string {
	q := shellQuote(path)
	return fmt.Sprintf("if [ -e %s ]; then wc -c < %s; else echo -1; fi", q, q)
}

// rangeCommand reads length bytes starting at offset. tail -c +K is
// 1-based: byte offset 0 is the first byte, K=1.
func rangeCommand(path string, offset, length int64) string {
	return fmt.Sprintf("tail -c +%d %s | head -c %d", offset+1, shellQuote(path), length)
}

// shellQuote wraps s in single quotes for the remote shell, escaping
// embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
