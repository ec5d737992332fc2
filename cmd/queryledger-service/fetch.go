// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/queryledger/queryledger/lib/api"
	"github.com/queryledger/queryledger/lib/clock"
	"github.com/queryledger/queryledger/lib/leases"
	"github.com/queryledger/queryledger/lib/querylog"
	"github.com/queryledger/queryledger/lib/remotefile"
)

// ErrCycleInProgress rejects a fetch trigger while another cycle is
// running. The caller retries after the running cycle finishes; two
// concurrent cycles would race on the cursor.
var ErrCycleInProgress = errors.New("fetch: cycle already in progress")

// FetchConfig holds the per-source fetch parameters.
type FetchConfig struct {
	// SourceName keys the cursor row. Must be stable across restarts.
	SourceName string

	// QueryLogPath is the remote path of the live query log.
	QueryLogPath string

	// RotatedCopyPath is the remote path the log rotates to (for
	// example the live path with a ".1" suffix). When set, a detected
	// rotation first drains the unread tail of the previous
	// incarnation from this path. Empty disables draining.
	RotatedCopyPath string

	// LeasesPath is the remote dnsmasq lease file for client name
	// resolution. Empty disables resolution.
	LeasesPath string

	// ChunkSize is the remote read size per round trip.
	ChunkSize int64

	// MaxTransfer caps the log bytes read in one cycle, rotated-copy
	// drain included. A cycle that hits the cap commits what it read
	// and reports Truncated; the next cycle resumes from the cursor.
	MaxTransfer int64

	// ReportLocation is the timezone that assigns records to ledger
	// dates.
	ReportLocation *time.Location
}

// Fetcher runs ingestion cycles: size the remote log, detect
// rotation, read the unread region in chunks, aggregate records, and
// commit the batch together with the advanced cursor.
type Fetcher struct {
	store  *Store
	source remotefile.Source
	cfg    FetchConfig
	clock  clock.Clock
	log    *slog.Logger

	// running serializes cycles. Run takes it with TryLock so a
	// trigger during a cycle fails fast instead of queueing.
	running sync.Mutex
}

// NewFetcher creates a Fetcher. Zero config fields get defaults:
// 256 KiB chunks, 64 MiB transfer cap, UTC reporting.
func NewFetcher(store *Store, source remotefile.Source, cfg FetchConfig, clk clock.Clock, logger *slog.Logger) *Fetcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256 << 10
	}
	if cfg.MaxTransfer <= 0 {
		cfg.MaxTransfer = 64 << 20
	}
	if cfg.ReportLocation == nil {
		cfg.ReportLocation = time.UTC
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fetcher{store: store, source: source, cfg: cfg, clock: clk, log: logger}
}

// cycleState accumulates one cycle's work before the single commit.
type cycleState struct {
	batch    Batch
	resolver *leases.Resolver
	names    map[string]string
	ignore   *IgnoreSet
	report   api.FetchReport

	// transferred counts log bytes read so far, shared between the
	// rotated-copy drain and the live read for the MaxTransfer cap.
	transferred int64
}

// Run executes one ingestion cycle. It returns ErrCycleInProgress
// without doing anything when a cycle is already running.
//
// A transport failure partway through the cycle commits nothing: the
// cursor keeps its pre-cycle value and the next cycle re-reads the
// same byte range, so records are ingested exactly once.
func (f *Fetcher) Run(ctx context.Context) (api.FetchReport, error) {
	if !f.running.TryLock() {
		return api.FetchReport{}, ErrCycleInProgress
	}
	defer f.running.Unlock()

	start := f.clock.Now()
	state := &cycleState{
		batch:  make(Batch),
		names:  make(map[string]string),
		report: api.FetchReport{Source: f.cfg.SourceName},
	}
	defer func() {
		state.report.DurationMillis = f.clock.Now().Sub(start).Milliseconds()
	}()

	cursor, found, err := f.store.Cursor(ctx, f.cfg.SourceName)
	if err != nil {
		return state.report, err
	}
	state.ignore, err = f.store.IgnoreSnapshot(ctx)
	if err != nil {
		return state.report, err
	}
	state.resolver = f.loadLeases(ctx)

	size, err := f.source.Size(ctx, f.cfg.QueryLogPath)
	if err != nil {
		return state.report, fmt.Errorf("fetch: size %s: %w", f.cfg.QueryLogPath, err)
	}

	if size == 0 {
		// Zero records is not a rotation: the stored fingerprint and
		// offset stay as they are. If the path later refills, the next
		// cycle sees a new first record (or a size below the offset)
		// and handles the rotation then.
		if found {
			cursor.FetchedAt = f.clock.Now()
			if err := f.store.ApplyCycle(ctx, f.cfg.SourceName, nil, nil, cursor); err != nil {
				return state.report, err
			}
			state.report.Offset = cursor.Offset
		}
		return state.report, nil
	}

	fingerprint, err := f.fingerprint(ctx, f.cfg.QueryLogPath, size)
	if err != nil {
		return state.report, err
	}

	// A changed first-record timestamp means the path now holds a new
	// incarnation. The same first record over a file shorter than the
	// committed offset is not a rotation but a truncation anomaly:
	// recover by rereading from the start, with no drain of the
	// rotated copy (the cursor's incarnation is still the live one).
	rotated := found && cursor.Fingerprint != "" && fingerprint != cursor.Fingerprint
	truncatedFile := found && cursor.Fingerprint != "" && !rotated && size < cursor.Offset
	state.report.Rotated = rotated
	if truncatedFile {
		f.log.Warn("remote file shrank without a new first record, rereading from start",
			"path", f.cfg.QueryLogPath, "size", size, "offset", cursor.Offset)
	}

	startOffset := cursor.Offset
	if !found || rotated || truncatedFile {
		startOffset = 0
	}

	if rotated && cursor.Offset > 0 && f.cfg.RotatedCopyPath != "" {
		drained, resume, err := f.drainRotated(ctx, state, cursor)
		if err != nil {
			// Nothing is committed: the cursor still names the old
			// incarnation, so the next cycle re-detects the rotation
			// and retries the drain from scratch.
			return state.report, err
		}
		state.report.DrainedRows = drained
		if resume != nil {
			// Transfer cap hit mid-drain. Commit the progress under
			// the old incarnation's fingerprint and stop: the live
			// file's first record differs, so the next cycle
			// re-detects the rotation and continues the drain from
			// this offset.
			state.report.Offset = resume.Offset
			state.report.Rows = len(state.batch)
			if err := f.store.ApplyCycle(ctx, f.cfg.SourceName, state.batch, state.names, *resume); err != nil {
				return state.report, err
			}
			return state.report, nil
		}
	}

	if size == startOffset && !rotated && found {
		// No growth. Refresh fetched_at so status reflects the probe.
		cursor.FetchedAt = f.clock.Now()
		if err := f.store.ApplyCycle(ctx, f.cfg.SourceName, nil, nil, cursor); err != nil {
			return state.report, err
		}
		state.report.Offset = cursor.Offset
		return state.report, nil
	}

	consumed, err := f.ingestLive(ctx, state, startOffset, size)
	if err != nil {
		// Nothing is committed on a failed read. The stored cursor
		// still points at the pre-cycle offset, so the next cycle
		// repeats this range exactly once.
		return state.report, err
	}

	newCursor := Cursor{
		Offset:      consumed,
		Fingerprint: fingerprint,
		FetchedAt:   f.clock.Now(),
	}
	state.report.Offset = consumed
	state.report.Rows = len(state.batch)
	state.report.Ingested = int(state.batch.Records()) - state.report.DrainedRows
	if err := f.store.ApplyCycle(ctx, f.cfg.SourceName, state.batch, state.names, newCursor); err != nil {
		return state.report, err
	}

	f.log.Info("fetch cycle complete",
		"source", f.cfg.SourceName,
		"ingested", state.report.Ingested,
		"rows", state.report.Rows,
		"malformed", state.report.Malformed,
		"ignored", state.report.Ignored,
		"bytes", state.report.BytesRead,
		"offset", consumed,
		"rotated", rotated,
	)
	return state.report, nil
}

// loadLeases reads the remote lease file. Resolution is best effort:
// any failure logs a warning and returns a nil resolver, which maps
// every IP to itself.
func (f *Fetcher) loadLeases(ctx context.Context) *leases.Resolver {
	if f.cfg.LeasesPath == "" {
		return nil
	}
	data, err := f.source.ReadAll(ctx, f.cfg.LeasesPath)
	if err != nil {
		f.log.Warn("lease file unavailable, using raw IPs", "path", f.cfg.LeasesPath, "error", err)
		return nil
	}
	snapshot, err := leases.Parse(data)
	if err != nil {
		f.log.Warn("lease file unreadable, using raw IPs", "path", f.cfg.LeasesPath, "error", err)
		return nil
	}
	return leases.NewResolver(snapshot)
}

// fingerprintProbeBytes bounds the read that identifies a file
// incarnation. The first record must fit in it.
const fingerprintProbeBytes = 8 << 10

// fingerprint identifies a file incarnation by the timestamp of its
// first record.
func (f *Fetcher) fingerprint(ctx context.Context, path string, size int64) (string, error) {
	probe := min(int64(fingerprintProbeBytes), size)
	data, err := f.source.ReadRange(ctx, path, 0, probe)
	if err != nil {
		return "", fmt.Errorf("fetch: probe %s: %w", path, err)
	}
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	ts, err := querylog.PeekTimestamp(line)
	if err != nil {
		return "", fmt.Errorf("fetch: fingerprint %s: %w", path, err)
	}
	return timeKey(ts), nil
}

// drainRotated ingests the unread tail of the previous incarnation
// from the rotated copy. Returns the number of records recovered.
// Skips (without error) when the copy is missing or does not match
// the cursor's fingerprint. A non-nil resume cursor means the
// transfer cap stopped the drain partway: it points at the last
// complete record within the old incarnation.
func (f *Fetcher) drainRotated(ctx context.Context, state *cycleState, cursor Cursor) (int, *Cursor, error) {
	path := f.cfg.RotatedCopyPath
	size, err := f.source.Size(ctx, path)
	if err != nil {
		if errors.Is(err, remotefile.ErrNotFound) {
			f.log.Warn("rotated copy missing, tail of previous log lost", "path", path)
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("fetch: size rotated copy: %w", err)
	}
	if size <= cursor.Offset {
		return 0, nil, nil
	}

	fingerprint, err := f.fingerprint(ctx, path, size)
	if err != nil {
		f.log.Warn("rotated copy unreadable, tail of previous log lost", "path", path, "error", err)
		return 0, nil, nil
	}
	if fingerprint != cursor.Fingerprint {
		f.log.Warn("rotated copy is not the previous incarnation, tail lost",
			"path", path, "want", cursor.Fingerprint, "got", fingerprint)
		return 0, nil, nil
	}

	before := state.batch.Records()
	var buffer querylog.LineBuffer
	offset := cursor.Offset
	for offset < size {
		if state.transferred >= f.cfg.MaxTransfer {
			state.report.Truncated = true
			f.log.Warn("transfer cap reached while draining rotated copy",
				"cap", f.cfg.MaxTransfer, "offset", offset)
			resume := &Cursor{
				Offset:      offset - int64(buffer.PendingBytes()),
				Fingerprint: cursor.Fingerprint,
				FetchedAt:   f.clock.Now(),
			}
			return int(state.batch.Records() - before), resume, nil
		}
		want := min(f.cfg.ChunkSize, size-offset, f.cfg.MaxTransfer-state.transferred)
		chunk, err := f.source.ReadRange(ctx, path, offset, want)
		if err != nil {
			return 0, nil, fmt.Errorf("fetch: drain rotated copy: %w", err)
		}
		if len(chunk) == 0 {
			break
		}
		offset += int64(len(chunk))
		state.transferred += int64(len(chunk))
		state.report.BytesRead += int64(len(chunk))
		for _, line := range buffer.Lines(chunk) {
			f.ingestLine(state, line)
		}
	}
	// The rotated copy is final: a trailing line without a newline is
	// still a complete record.
	if rest := buffer.Remainder(); len(bytes.TrimSpace(rest)) > 0 {
		f.ingestLine(state, rest)
	}
	return int(state.batch.Records() - before), nil, nil
}

// ingestLive reads the live log from startOffset toward size, bounded
// by MaxTransfer. Returns the consumed offset: the position after the
// last complete record, which is where the cursor may safely point.
func (f *Fetcher) ingestLive(ctx context.Context, state *cycleState, startOffset, size int64) (int64, error) {
	var buffer querylog.LineBuffer
	offset := startOffset

	for offset < size {
		if state.transferred >= f.cfg.MaxTransfer {
			state.report.Truncated = true
			f.log.Warn("transfer cap reached, cycle truncated",
				"cap", f.cfg.MaxTransfer, "offset", offset)
			break
		}
		want := min(f.cfg.ChunkSize, size-offset, f.cfg.MaxTransfer-state.transferred)
		chunk, err := f.source.ReadRange(ctx, f.cfg.QueryLogPath, offset, want)
		if err != nil {
			return offset - int64(buffer.PendingBytes()),
				fmt.Errorf("fetch: read %s at %d: %w", f.cfg.QueryLogPath, offset, err)
		}
		if len(chunk) == 0 {
			break
		}
		offset += int64(len(chunk))
		state.transferred += int64(len(chunk))
		state.report.BytesRead += int64(len(chunk))
		for _, line := range buffer.Lines(chunk) {
			f.ingestLine(state, line)
		}
	}

	// A trailing partial record stays unconsumed; the writer has not
	// finished it. The next cycle rereads it from the cursor.
	return offset - int64(buffer.PendingBytes()), nil
}

// ingestLine decodes one record and folds it into the batch.
func (f *Fetcher) ingestLine(state *cycleState, line []byte) {
	record, err := querylog.Decode(line)
	if err != nil {
		state.report.Malformed++
		f.log.Debug("skipping malformed record", "error", err)
		return
	}
	if state.ignore.Matches(record.Domain) {
		state.report.Ignored++
		return
	}

	var name string
	if state.resolver.Known(record.IP) {
		name = state.resolver.Name(record.IP)
		state.names[record.IP] = name
	}

	state.batch.Add(RowKey{
		Date:           record.DateIn(f.cfg.ReportLocation),
		ClientIP:       record.IP,
		Domain:         record.Domain,
		QueryType:      record.QueryType,
		ClientProtocol: record.ClientProtocol,
		Upstream:       record.Upstream,
		Filtered:       record.Filtered,
		FilterRule:     record.FilterRule,
	}, record.Timestamp, name)
}
