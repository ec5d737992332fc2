// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/queryledger/queryledger/lib/api"
	"github.com/queryledger/queryledger/lib/clock"
	"github.com/queryledger/queryledger/lib/remotefile"
)

const (
	testLogPath     = "/var/lib/adguard/querylog.json"
	testRotatedPath = testLogPath + ".1"
	testLeasesPath  = "/var/lib/dnsmasq/dnsmasq.leases"
)

var testEpoch = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

// logLine builds one query log record. Timestamps drive both the date
// dimension and the rotation fingerprint, so tests space them out.
func logLine(ts time.Time, ip, domain string) string {
	return fmt.Sprintf(
		`{"T":%q,"QH":%q,"QT":"A","QC":"IN","CP":"","IP":%q,"Upstream":"1.1.1.1:53","Cached":false,"Elapsed":1000000,"Result":{"IsFiltered":false,"Reason":0}}`+"\n",
		ts.Format(time.RFC3339Nano), domain, ip)
}

func logLines(start time.Time, ip string, domains ...string) string {
	var b strings.Builder
	for i, domain := range domains {
		b.WriteString(logLine(start.Add(time.Duration(i)*time.Second), ip, domain))
	}
	return b.String()
}

func newTestFetcher(t *testing.T, chunkSize int64) (*Fetcher, *Store, *remotefile.MemorySource, *clock.FakeClock) {
	t.Helper()
	store, clk := newTestStore(t)
	source := remotefile.NewMemorySource()
	fetcher := NewFetcher(store, source, FetchConfig{
		SourceName:      "test",
		QueryLogPath:    testLogPath,
		RotatedCopyPath: testRotatedPath,
		ChunkSize:       chunkSize,
	}, clk, slog.New(slog.DiscardHandler))
	return fetcher, store, source, clk
}

func totalQueries(t *testing.T, store *Store) int64 {
	t.Helper()
	rows, err := store.Query(context.Background(), api.QueryRequest{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var total int64
	for _, row := range rows {
		total += row.Count
	}
	return total
}

func mustRun(t *testing.T, fetcher *Fetcher) api.FetchReport {
	t.Helper()
	report, err := fetcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return report
}

func TestCycleIngestsAndRepeatIsNoop(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	content := logLines(testEpoch, "192.168.1.50",
		"www.example.com", "www.example.com", "api.example.net")
	source.Set(testLogPath, []byte(content))

	report := mustRun(t, fetcher)
	if report.Ingested != 3 || report.Rows != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.Offset != int64(len(content)) {
		t.Errorf("Offset = %d, want %d", report.Offset, len(content))
	}
	if totalQueries(t, store) != 3 {
		t.Errorf("total = %d", totalQueries(t, store))
	}

	// Nothing new: the repeat cycle ingests nothing and the counts do
	// not move.
	report = mustRun(t, fetcher)
	if report.Ingested != 0 || report.Rotated {
		t.Errorf("repeat report = %+v", report)
	}
	if totalQueries(t, store) != 3 {
		t.Errorf("total after repeat = %d", totalQueries(t, store))
	}
}

func TestChunkSizeDoesNotChangeCounts(t *testing.T) {
	content := logLines(testEpoch, "192.168.1.50",
		"a.example.com", "b.example.com", "a.example.com", "c.example.net", "a.example.com")

	var reference []api.CondensedRow
	for _, chunkSize := range []int64{int64(len(content)) + 10, 512, 64, 7, 1} {
		fetcher, store, source, _ := newTestFetcher(t, chunkSize)
		source.Set(testLogPath, []byte(content))
		mustRun(t, fetcher)

		rows, err := store.Query(context.Background(), api.QueryRequest{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if reference == nil {
			reference = rows
			continue
		}
		if len(rows) != len(reference) {
			t.Fatalf("chunk %d: %d rows, want %d", chunkSize, len(rows), len(reference))
		}
		for i := range reference {
			if rows[i] != reference[i] {
				t.Errorf("chunk %d: row %d = %+v, want %+v", chunkSize, i, rows[i], reference[i])
			}
		}
	}
}

func TestGrowthResumesFromCursor(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	source.Set(testLogPath, []byte(logLines(testEpoch, "192.168.1.50", "www.example.com")))
	mustRun(t, fetcher)

	grown := logLines(testEpoch.Add(time.Hour), "192.168.1.50",
		"www.example.com", "www.example.com", "new.example.org")
	source.Append(testLogPath, []byte(grown))

	report := mustRun(t, fetcher)
	if report.Ingested != 3 {
		t.Errorf("Ingested = %d, want only the appended records", report.Ingested)
	}
	size, _ := source.Size(context.Background(), testLogPath)
	if report.Offset != size {
		t.Errorf("Offset = %d, want file size %d", report.Offset, size)
	}

	rows, err := store.Query(context.Background(), api.QueryRequest{Domain: "www.example.com"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Query: %+v, %v", rows, err)
	}
	if rows[0].Count != 3 {
		t.Errorf("Count = %d, want 3", rows[0].Count)
	}
}

func TestRotationRestartsFromZero(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	source.Set(testLogPath, []byte(logLines(testEpoch, "192.168.1.50",
		"old.example.com", "old.example.com")))
	mustRun(t, fetcher)

	// The file is replaced by a shorter incarnation with a different
	// first-record timestamp. No rotated copy exists.
	source.Remove(testRotatedPath)
	source.Set(testLogPath, []byte(logLines(testEpoch.Add(2*time.Hour), "192.168.1.51", "fresh.example.net")))

	report := mustRun(t, fetcher)
	if !report.Rotated {
		t.Fatal("rotation not detected")
	}
	if report.Ingested != 1 || report.DrainedRows != 0 {
		t.Errorf("report = %+v", report)
	}
	if totalQueries(t, store) != 3 {
		t.Errorf("total = %d, want old rows retained plus new", totalQueries(t, store))
	}

	cursor, _, err := store.Cursor(context.Background(), "test")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	want := timeKey(testEpoch.Add(2 * time.Hour))
	if cursor.Fingerprint != want {
		t.Errorf("Fingerprint = %q, want %q", cursor.Fingerprint, want)
	}
}

func TestRotationDrainsRotatedCopy(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	oldContent := logLines(testEpoch, "192.168.1.50",
		"one.example.com", "two.example.com", "three.example.com", "four.example.com")
	lines := strings.SplitAfter(strings.TrimSuffix(oldContent, "\n"), "\n")

	// First cycle sees only the first two records.
	source.Set(testLogPath, []byte(lines[0]+lines[1]))
	mustRun(t, fetcher)

	// Rotation: the full old file moves aside, a new incarnation
	// starts at the live path.
	source.Set(testRotatedPath, []byte(oldContent))
	source.Set(testLogPath, []byte(logLines(testEpoch.Add(time.Hour), "192.168.1.50", "new.example.net")))

	report := mustRun(t, fetcher)
	if !report.Rotated {
		t.Fatal("rotation not detected")
	}
	if report.DrainedRows != 2 {
		t.Errorf("DrainedRows = %d, want the unread tail of the old file", report.DrainedRows)
	}
	if report.Ingested != 1 {
		t.Errorf("Ingested = %d", report.Ingested)
	}
	// Every record of both incarnations is counted exactly once.
	if totalQueries(t, store) != 5 {
		t.Errorf("total = %d, want 5", totalQueries(t, store))
	}
}

func TestTruncatedFileIsNotRotation(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	content := logLines(testEpoch, "192.168.1.50",
		"a.example.com", "b.example.com", "c.example.com")
	lines := strings.SplitAfter(strings.TrimSuffix(content, "\n"), "\n")
	source.Set(testLogPath, []byte(content))
	mustRun(t, fetcher)

	// The file shrinks to its first record with the first timestamp
	// unchanged: a truncation, not a new incarnation. A rotated copy
	// with the matching fingerprint sits alongside; it must not be
	// drained, since the cursor's incarnation is still the live file.
	source.Set(testLogPath, []byte(lines[0]))
	source.Set(testRotatedPath, []byte(content))

	report := mustRun(t, fetcher)
	if report.Rotated {
		t.Error("truncation reported as rotation")
	}
	if report.DrainedRows != 0 {
		t.Errorf("DrainedRows = %d, want no drain on truncation", report.DrainedRows)
	}
	if report.Ingested != 1 {
		t.Errorf("Ingested = %d, want the reread first record", report.Ingested)
	}

	cursor, _, err := store.Cursor(context.Background(), "test")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor.Offset != int64(len(lines[0])) {
		t.Errorf("Offset = %d, want %d", cursor.Offset, len(lines[0]))
	}
	if cursor.Fingerprint != timeKey(testEpoch) {
		t.Errorf("Fingerprint = %q, want unchanged", cursor.Fingerprint)
	}
}

func TestRotationSkipsMismatchedCopy(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	source.Set(testLogPath, []byte(logLines(testEpoch, "192.168.1.50",
		"one.example.com", "two.example.com")))
	mustRun(t, fetcher)

	// The rotated copy is from an older generation, not the
	// incarnation the cursor was reading.
	source.Set(testRotatedPath, []byte(logLines(testEpoch.Add(-24*time.Hour), "192.168.1.50",
		"ancient.example.com", "ancient.example.com", "ancient.example.com")))
	source.Set(testLogPath, []byte(logLines(testEpoch.Add(time.Hour), "192.168.1.50", "new.example.net")))

	report := mustRun(t, fetcher)
	if !report.Rotated || report.DrainedRows != 0 {
		t.Errorf("report = %+v, want rotation without drain", report)
	}
	if totalQueries(t, store) != 3 {
		t.Errorf("total = %d, want 2 old + 1 new", totalQueries(t, store))
	}
}

func TestTransportFailureCommitsNothing(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 100)
	domains := make([]string, 20)
	for i := range domains {
		domains[i] = fmt.Sprintf("host%02d.example.com", i)
	}
	content := logLines(testEpoch, "192.168.1.50", domains...)
	source.Set(testLogPath, []byte(content))

	// Read 1 is the fingerprint probe; reads 2-4 deliver 300 bytes of
	// records; read 5 fails mid-cycle.
	cause := errors.New("connection reset")
	source.FailReadsAfter(4, cause)

	_, err := fetcher.Run(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("Run err = %v, want transport cause", err)
	}

	// The failed cycle leaves no trace: no cursor, no rows.
	if _, found, cursorErr := store.Cursor(context.Background(), "test"); cursorErr != nil || found {
		t.Fatalf("Cursor after failure: found=%v err=%v, want untouched", found, cursorErr)
	}
	if got := totalQueries(t, store); got != 0 {
		t.Errorf("stored %d records from a failed cycle", got)
	}

	// Transport recovers; the next cycle re-reads the full range and
	// every record is counted exactly once.
	source.FailReadsAfter(0, nil)
	mustRun(t, fetcher)
	if got := totalQueries(t, store); got != int64(len(domains)) {
		t.Errorf("total after recovery = %d, want %d", got, len(domains))
	}
}

func TestTransportFailureKeepsPriorCursor(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 100)
	first := logLines(testEpoch, "192.168.1.50", "a.example.com", "b.example.com")
	source.Set(testLogPath, []byte(first))
	mustRun(t, fetcher)

	domains := make([]string, 8)
	for i := range domains {
		domains[i] = fmt.Sprintf("late%02d.example.com", i)
	}
	source.Append(testLogPath, []byte(logLines(testEpoch.Add(time.Hour), "192.168.1.50", domains...)))

	cause := errors.New("connection reset")
	source.FailReadsAfter(3, cause)
	if _, err := fetcher.Run(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("Run err = %v, want transport cause", err)
	}

	cursor, found, err := store.Cursor(context.Background(), "test")
	if err != nil || !found {
		t.Fatalf("Cursor: found=%v err=%v", found, err)
	}
	if cursor.Offset != int64(len(first)) {
		t.Errorf("Offset = %d, want pre-cycle value %d", cursor.Offset, len(first))
	}
	if got := totalQueries(t, store); got != 2 {
		t.Errorf("total = %d, want only the committed cycle", got)
	}

	source.FailReadsAfter(0, nil)
	mustRun(t, fetcher)
	if got := totalQueries(t, store); got != int64(2+len(domains)) {
		t.Errorf("total after recovery = %d, want %d", got, 2+len(domains))
	}
}

func TestIgnoreIsNotRetroactive(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	ctx := context.Background()
	source.Set(testLogPath, []byte(logLines(testEpoch, "192.168.1.50",
		"telemetry.example.com", "telemetry.example.com")))
	mustRun(t, fetcher)

	if err := store.IgnoreAdd(ctx, "telemetry.example.com", ""); err != nil {
		t.Fatalf("IgnoreAdd: %v", err)
	}
	source.Append(testLogPath, []byte(logLines(testEpoch.Add(time.Hour), "192.168.1.50",
		"telemetry.example.com", "telemetry.example.com", "kept.example.net")))

	report := mustRun(t, fetcher)
	if report.Ignored != 2 || report.Ingested != 1 {
		t.Errorf("report = %+v", report)
	}

	// Rows ingested before the entry stay in the ledger.
	rows, err := store.Query(ctx, api.QueryRequest{Domain: "telemetry.example.com"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Query: %+v, %v", rows, err)
	}
	if rows[0].Count != 2 {
		t.Errorf("Count = %d, want the pre-ignore count", rows[0].Count)
	}
}

func TestIgnoreSuppressesSubdomains(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	ctx := context.Background()
	if err := store.IgnoreAdd(ctx, "amazonaws.com", ""); err != nil {
		t.Fatalf("IgnoreAdd: %v", err)
	}

	source.Set(testLogPath, []byte(logLines(testEpoch, "192.168.1.50",
		"s3.us-east-1.amazonaws.com", "amazonaws.com", "kept.example.net")))

	report := mustRun(t, fetcher)
	if report.Ignored != 2 || report.Ingested != 1 {
		t.Errorf("report = %+v", report)
	}
	rows, err := store.Query(ctx, api.QueryRequest{})
	if err != nil || len(rows) != 1 || rows[0].Domain != "kept.example.net" {
		t.Fatalf("rows = %+v, %v", rows, err)
	}
}

func TestTrailingPartialRecordWaits(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	complete := logLine(testEpoch, "192.168.1.50", "done.example.com")
	partial := `{"T":"2026-03-14T09:00:0` // writer caught mid-record
	source.Set(testLogPath, []byte(complete+partial))

	report := mustRun(t, fetcher)
	if report.Ingested != 1 || report.Malformed != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.Offset != int64(len(complete)) {
		t.Errorf("Offset = %d, want %d (before the partial record)", report.Offset, len(complete))
	}

	// The writer finishes the record; the next cycle rereads it from
	// the cursor and it is counted once.
	rest := logLine(testEpoch.Add(time.Hour), "192.168.1.50", "late.example.com")
	source.Set(testLogPath, []byte(complete+rest))

	report = mustRun(t, fetcher)
	if report.Ingested != 1 || report.Malformed != 0 {
		t.Errorf("second report = %+v", report)
	}
	if totalQueries(t, store) != 2 {
		t.Errorf("total = %d", totalQueries(t, store))
	}
}

func TestMalformedLinesAreCountedAndSkipped(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	content := logLine(testEpoch, "192.168.1.50", "good.example.com") +
		"this is not json\n" +
		logLine(testEpoch.Add(time.Second), "192.168.1.50", "also-good.example.com")
	source.Set(testLogPath, []byte(content))

	report := mustRun(t, fetcher)
	if report.Ingested != 2 || report.Malformed != 1 {
		t.Errorf("report = %+v", report)
	}
	if totalQueries(t, store) != 2 {
		t.Errorf("total = %d", totalQueries(t, store))
	}
	if report.Offset != int64(len(content)) {
		t.Errorf("Offset = %d, malformed lines must still be consumed", report.Offset)
	}
}

func TestEmptyFileIsNoop(t *testing.T) {
	fetcher, store, source, _ := newTestFetcher(t, 64)
	source.Set(testLogPath, nil)

	report := mustRun(t, fetcher)
	if report.Ingested != 0 || report.Rotated {
		t.Errorf("report = %+v", report)
	}
	if totalQueries(t, store) != 0 {
		t.Errorf("total = %d", totalQueries(t, store))
	}
}

func TestMissingFileFailsCycle(t *testing.T) {
	fetcher, store, _, _ := newTestFetcher(t, 64)
	_, err := fetcher.Run(context.Background())
	if !errors.Is(err, remotefile.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, found, _ := store.Cursor(context.Background(), "test"); found {
		t.Error("failed cycle committed a cursor")
	}
}

func TestConcurrentTriggerRejected(t *testing.T) {
	fetcher, _, source, _ := newTestFetcher(t, 64)
	source.Set(testLogPath, []byte(logLine(testEpoch, "192.168.1.50", "www.example.com")))

	fetcher.running.Lock()
	_, err := fetcher.Run(context.Background())
	fetcher.running.Unlock()
	if !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("err = %v, want ErrCycleInProgress", err)
	}

	mustRun(t, fetcher)
}

func TestTransferCapTruncatesAndResumes(t *testing.T) {
	store, clk := newTestStore(t)
	source := remotefile.NewMemorySource()
	fetcher := NewFetcher(store, source, FetchConfig{
		SourceName:   "test",
		QueryLogPath: testLogPath,
		ChunkSize:    100,
		MaxTransfer:  400,
	}, clk, slog.New(slog.DiscardHandler))

	domains := make([]string, 12)
	for i := range domains {
		domains[i] = fmt.Sprintf("host%02d.example.com", i)
	}
	source.Set(testLogPath, []byte(logLines(testEpoch, "192.168.1.50", domains...)))

	report := mustRun(t, fetcher)
	if !report.Truncated {
		t.Fatal("cap not reported")
	}
	if report.Ingested == 0 || report.Ingested >= len(domains) {
		t.Fatalf("Ingested = %d, want a partial cycle", report.Ingested)
	}

	// Following cycles drain the rest; no record is lost or doubled.
	for i := 0; i < 5; i++ {
		report = mustRun(t, fetcher)
		if !report.Truncated {
			break
		}
	}
	if report.Truncated {
		t.Fatal("never finished draining")
	}
	if got := totalQueries(t, store); got != int64(len(domains)) {
		t.Errorf("total = %d, want %d", got, len(domains))
	}
}

func TestTransferCapBoundsDrain(t *testing.T) {
	store, clk := newTestStore(t)
	source := remotefile.NewMemorySource()
	fetcher := NewFetcher(store, source, FetchConfig{
		SourceName:      "test",
		QueryLogPath:    testLogPath,
		RotatedCopyPath: testRotatedPath,
		ChunkSize:       100,
		MaxTransfer:     200,
	}, clk, slog.New(slog.DiscardHandler))

	oldContent := logLines(testEpoch, "192.168.1.50",
		"one.example.com", "two.example.com", "three.example.com",
		"four.example.com", "five.example.com")
	lines := strings.SplitAfter(strings.TrimSuffix(oldContent, "\n"), "\n")

	// First cycle commits only the first record.
	source.Set(testLogPath, []byte(lines[0]))
	mustRun(t, fetcher)

	// Rotation with a long unread tail in the copy.
	source.Set(testRotatedPath, []byte(oldContent))
	source.Set(testLogPath, []byte(logLines(testEpoch.Add(time.Hour), "192.168.1.50", "new.example.net")))

	report := mustRun(t, fetcher)
	if !report.Rotated || !report.Truncated {
		t.Fatalf("report = %+v, want a capped drain", report)
	}
	if report.BytesRead > 200 {
		t.Errorf("BytesRead = %d, want the drain bounded by the cap", report.BytesRead)
	}
	if report.DrainedRows == 0 || report.DrainedRows >= 4 {
		t.Errorf("DrainedRows = %d, want partial drain progress", report.DrainedRows)
	}

	// The capped drain commits its progress within the old
	// incarnation, so the next cycle re-detects the rotation and
	// continues from there.
	cursor, _, err := store.Cursor(context.Background(), "test")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor.Fingerprint != timeKey(testEpoch) {
		t.Errorf("Fingerprint = %q, want the old incarnation's", cursor.Fingerprint)
	}
	if cursor.Offset <= int64(len(lines[0])) {
		t.Errorf("Offset = %d, want drain progress past %d", cursor.Offset, len(lines[0]))
	}

	for i := 0; i < 10 && report.Truncated; i++ {
		report = mustRun(t, fetcher)
	}
	if report.Truncated {
		t.Fatal("never finished draining")
	}
	if got := totalQueries(t, store); got != 6 {
		t.Errorf("total = %d, want every record of both incarnations once", got)
	}
}

func TestLeaseResolutionBestEffort(t *testing.T) {
	store, clk := newTestStore(t)
	source := remotefile.NewMemorySource()
	fetcher := NewFetcher(store, source, FetchConfig{
		SourceName:   "test",
		QueryLogPath: testLogPath,
		LeasesPath:   testLeasesPath,
		ChunkSize:    64,
	}, clk, slog.New(slog.DiscardHandler))

	source.Set(testLogPath, []byte(logLines(testEpoch, "192.168.1.50", "www.example.com")))
	source.Set(testLeasesPath, []byte("1773840000 aa:bb:cc:dd:ee:01 192.168.1.50 laptop *\n"))

	mustRun(t, fetcher)
	rows, err := store.Query(context.Background(), api.QueryRequest{Client: "laptop"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Query by lease name: %+v, %v", rows, err)
	}

	// Lease file disappears: ingestion continues with raw IPs.
	source.Remove(testLeasesPath)
	source.Append(testLogPath, []byte(logLines(testEpoch.Add(time.Hour), "192.168.1.99", "other.example.net")))
	report := mustRun(t, fetcher)
	if report.Ingested != 1 {
		t.Errorf("report = %+v", report)
	}
	rows, err = store.Query(context.Background(), api.QueryRequest{Client: "192.168.1.99"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Query by IP fallback: %+v, %v", rows, err)
	}
}
