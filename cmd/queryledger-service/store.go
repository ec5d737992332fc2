// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/queryledger/queryledger/lib/api"
	"github.com/queryledger/queryledger/lib/basedomain"
	"github.com/queryledger/queryledger/lib/clock"
	"github.com/queryledger/queryledger/lib/sqlitepool"
)

// Store manages the SQLite ledger: the condensed query table, the
// per-source fetch cursor, the ignore list, and the client name
// cache.
//
// Write path: the fetch cycle aggregates records into a Batch and
// calls ApplyCycle, which upserts every row and commits the new
// cursor in one IMMEDIATE transaction. Either the batch and the
// cursor both land or neither does, so a crash or failure mid-cycle
// can never advance the cursor past data that was not stored.
//
// Read path: Query, Summary, and Stats run on pooled read
// connections; WAL mode gives them a consistent snapshot while a
// cycle is writing.
type Store struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
	log   *slog.Logger
}

// StoreConfig holds the parameters for opening a Store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Clock supplies timestamps for ignore-list and cursor rows.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS condensed_log (
	date            TEXT NOT NULL,
	client_ip       TEXT NOT NULL,
	client_name     TEXT NOT NULL DEFAULT '',
	domain          TEXT NOT NULL,
	base_domain     TEXT NOT NULL,
	query_type      TEXT NOT NULL,
	client_protocol TEXT NOT NULL DEFAULT '',
	upstream        TEXT NOT NULL DEFAULT '',
	filtered        INTEGER NOT NULL DEFAULT 0,
	filter_rule     TEXT NOT NULL DEFAULT '',
	count           INTEGER NOT NULL,
	first_seen      TEXT NOT NULL,
	last_seen       TEXT NOT NULL,
	PRIMARY KEY (date, client_ip, domain, query_type, client_protocol,
	             upstream, filtered, filter_rule)
);

CREATE INDEX IF NOT EXISTS condensed_log_base_domain
	ON condensed_log (base_domain, date);

CREATE INDEX IF NOT EXISTS condensed_log_date
	ON condensed_log (date);

CREATE TABLE IF NOT EXISTS fetch_cursor (
	source           TEXT PRIMARY KEY,
	byte_offset      INTEGER NOT NULL,
	file_fingerprint TEXT NOT NULL DEFAULT '',
	fetched_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ignored_domains (
	domain   TEXT PRIMARY KEY,
	notes    TEXT NOT NULL DEFAULT '',
	added_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS client_names (
	ip         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// OpenStore opens (creating if necessary) the ledger database.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	store := &Store{pool: pool, clock: cfg.Clock, log: cfg.Logger}
	if err := store.init(); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: init: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Close closes the pool. Blocks until borrowed connections return.
func (s *Store) Close() error {
	return s.pool.Close()
}

// RowKey identifies one condensed ledger row. Records that share a
// key within a day collapse into a single row whose count accumulates.
type RowKey struct {
	Date           string
	ClientIP       string
	Domain         string
	QueryType      string
	ClientProtocol string
	Upstream       string
	Filtered       bool
	FilterRule     string
}

// RowDelta accumulates the records behind one key during a cycle.
type RowDelta struct {
	Count      int64
	ClientName string
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Batch is a cycle's aggregation, keyed by condensed row identity.
type Batch map[RowKey]*RowDelta

// Add folds one record occurrence into the batch.
func (b Batch) Add(key RowKey, seen time.Time, clientName string) {
	delta, ok := b[key]
	if !ok {
		delta = &RowDelta{FirstSeen: seen, LastSeen: seen}
		b[key] = delta
	}
	delta.Count++
	if seen.Before(delta.FirstSeen) {
		delta.FirstSeen = seen
	}
	if seen.After(delta.LastSeen) {
		delta.LastSeen = seen
	}
	if clientName != "" {
		delta.ClientName = clientName
	}
}

// Records returns the total record count folded into the batch.
func (b Batch) Records() int64 {
	var total int64
	for _, delta := range b {
		total += delta.Count
	}
	return total
}

// Cursor is the per-source fetch position.
type Cursor struct {
	// Offset is the byte position after the last ingested record.
	Offset int64

	// Fingerprint identifies the file incarnation: the timestamp of
	// its first record in timeKey form. Empty when the file has not
	// been seen or was empty.
	Fingerprint string

	// FetchedAt is when the cursor was last committed.
	FetchedAt time.Time
}

// timeKey formats a timestamp for storage. Fixed-width UTC so that
// lexicographic comparison in SQL (min/max in the upsert) matches
// chronological order.
func timeKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// Cursor returns the stored cursor for source. A source never fetched
// before yields the zero Cursor and found=false.
func (s *Store) Cursor(ctx context.Context, source string) (Cursor, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("store: cursor: %w", err)
	}
	defer s.pool.Put(conn)

	var cursor Cursor
	found := false
	err = sqlitex.Execute(conn,
		`SELECT byte_offset, file_fingerprint, fetched_at FROM fetch_cursor WHERE source = ?`,
		&sqlitex.ExecOptions{
			Args: []any{source},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				cursor.Offset = stmt.ColumnInt64(0)
				cursor.Fingerprint = stmt.ColumnText(1)
				fetchedAt, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(2))
				if err != nil {
					return fmt.Errorf("bad fetched_at: %w", err)
				}
				cursor.FetchedAt = fetchedAt
				return nil
			},
		})
	if err != nil {
		return Cursor{}, false, fmt.Errorf("store: cursor: %w", err)
	}
	return cursor, found, nil
}

// ApplyCycle commits one fetch cycle: every row delta in batch, the
// refreshed client name cache entries, and the new cursor, in a
// single IMMEDIATE transaction.
func (s *Store) ApplyCycle(ctx context.Context, source string, batch Batch, names map[string]string, cursor Cursor) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: apply cycle: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for key, delta := range batch {
		if err := upsertRow(conn, key, delta); err != nil {
			return err
		}
	}

	updatedAt := timeKey(s.clock.Now())
	for ip, name := range names {
		err := sqlitex.Execute(conn,
			`INSERT INTO client_names (ip, name, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (ip) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{ip, name, updatedAt}})
		if err != nil {
			return fmt.Errorf("store: client name %s: %w", ip, err)
		}
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO fetch_cursor (source, byte_offset, file_fingerprint, fetched_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			file_fingerprint = excluded.file_fingerprint,
			fetched_at = excluded.fetched_at`,
		&sqlitex.ExecOptions{Args: []any{
			source, cursor.Offset, cursor.Fingerprint,
			cursor.FetchedAt.UTC().Format(time.RFC3339Nano),
		}})
	if err != nil {
		return fmt.Errorf("store: commit cursor: %w", err)
	}
	return nil
}

func upsertRow(conn *sqlite.Conn, key RowKey, delta *RowDelta) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO condensed_log
			(date, client_ip, client_name, domain, base_domain, query_type,
			 client_protocol, upstream, filtered, filter_rule, count,
			 first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (date, client_ip, domain, query_type, client_protocol,
		              upstream, filtered, filter_rule)
		 DO UPDATE SET
			count = count + excluded.count,
			client_name = CASE WHEN excluded.client_name != ''
				THEN excluded.client_name ELSE client_name END,
			first_seen = min(first_seen, excluded.first_seen),
			last_seen = max(last_seen, excluded.last_seen)`,
		&sqlitex.ExecOptions{Args: []any{
			key.Date,
			key.ClientIP,
			delta.ClientName,
			key.Domain,
			basedomain.Extract(key.Domain),
			key.QueryType,
			key.ClientProtocol,
			key.Upstream,
			boolInt(key.Filtered),
			key.FilterRule,
			delta.Count,
			timeKey(delta.FirstSeen),
			timeKey(delta.LastSeen),
		}})
	if err != nil {
		return fmt.Errorf("store: upsert %s/%s: %w", key.Date, key.Domain, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Query returns ledger rows matching the request, ordered by count
// descending and then by the full key ascending so equal counts have
// a stable order.
func (s *Store) Query(ctx context.Context, req api.QueryRequest) ([]api.CondensedRow, error) {
	var where []string
	var args []any

	add := func(clause string, value any) {
		where = append(where, clause)
		args = append(args, value)
	}
	if req.Date != "" {
		add("date = ?", req.Date)
	}
	if req.DateFrom != "" {
		add("date >= ?", req.DateFrom)
	}
	if req.DateTo != "" {
		add("date <= ?", req.DateTo)
	}
	if req.Client != "" {
		where = append(where, "(client_ip = ? OR client_name = ?)")
		args = append(args, req.Client, req.Client)
	}
	if req.Domain != "" {
		domain := basedomain.Normalize(req.Domain)
		if strings.ContainsRune(domain, '*') {
			add("domain LIKE ?", strings.ReplaceAll(domain, "*", "%"))
		} else {
			add("domain = ?", domain)
		}
	}
	if req.BaseDomain != "" {
		add("base_domain = ?", basedomain.Normalize(req.BaseDomain))
	}
	if req.QueryType != "" {
		add("query_type = ?", req.QueryType)
	}
	if req.Protocol != "" {
		add("client_protocol = ?", req.Protocol)
	}
	if req.Filtered != nil {
		add("filtered = ?", boolInt(*req.Filtered))
	}
	if req.CountMin > 0 {
		add("count >= ?", req.CountMin)
	}
	if req.CountMax > 0 {
		add("count <= ?", req.CountMax)
	}

	query := `SELECT date, client_ip, client_name, domain, query_type,
		client_protocol, upstream, filtered, filter_rule, count,
		first_seen, last_seen FROM condensed_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY count DESC, date, client_ip, domain, query_type,
		client_protocol, upstream, filtered, filter_rule`
	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer s.pool.Put(conn)

	var rows []api.CondensedRow
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, api.CondensedRow{
				Date:           stmt.ColumnText(0),
				ClientIP:       stmt.ColumnText(1),
				ClientName:     stmt.ColumnText(2),
				Domain:         stmt.ColumnText(3),
				QueryType:      stmt.ColumnText(4),
				ClientProtocol: stmt.ColumnText(5),
				Upstream:       stmt.ColumnText(6),
				Filtered:       stmt.ColumnInt64(7) != 0,
				FilterRule:     stmt.ColumnText(8),
				Count:          stmt.ColumnInt64(9),
				FirstSeen:      stmt.ColumnText(10),
				LastSeen:       stmt.ColumnText(11),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	return rows, nil
}

// Summary aggregates the ledger per base domain. MaxCount is the
// largest single-row count in the selected range, the denominator for
// proportional display.
func (s *Store) Summary(ctx context.Context, req api.SummaryRequest) (api.SummaryResponse, error) {
	var where string
	var args []any
	if req.Date != "" {
		where = " WHERE date = ?"
		args = append(args, req.Date)
	}

	query := `SELECT base_domain, SUM(count), COUNT(DISTINCT domain),
		SUM(CASE WHEN filtered THEN count ELSE 0 END)
		FROM condensed_log` + where + `
		GROUP BY base_domain
		ORDER BY SUM(count) DESC, base_domain`
	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return api.SummaryResponse{}, fmt.Errorf("store: summary: %w", err)
	}
	defer s.pool.Put(conn)

	var response api.SummaryResponse
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			response.Rows = append(response.Rows, api.SummaryRow{
				BaseDomain: stmt.ColumnText(0),
				Count:      stmt.ColumnInt64(1),
				Domains:    stmt.ColumnInt64(2),
				Filtered:   stmt.ColumnInt64(3),
			})
			return nil
		},
	})
	if err != nil {
		return api.SummaryResponse{}, fmt.Errorf("store: summary: %w", err)
	}

	maxQuery := "SELECT COALESCE(MAX(count), 0) FROM condensed_log" + where
	maxArgs := args
	if req.Limit > 0 {
		maxArgs = args[:len(args)-1]
	}
	err = sqlitex.Execute(conn, maxQuery, &sqlitex.ExecOptions{
		Args: maxArgs,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			response.MaxCount = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return api.SummaryResponse{}, fmt.Errorf("store: summary max: %w", err)
	}
	return response, nil
}

// IgnoreAdd inserts or updates an ignore-list entry. Existing ledger
// rows are untouched; the entry only filters future ingestion.
func (s *Store) IgnoreAdd(ctx context.Context, domain string, notes string) error {
	domain = basedomain.Normalize(domain)
	if domain == "" {
		return fmt.Errorf("store: ignore: empty domain")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: ignore add: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO ignored_domains (domain, notes, added_at) VALUES (?, ?, ?)
		 ON CONFLICT (domain) DO UPDATE SET notes = excluded.notes`,
		&sqlitex.ExecOptions{Args: []any{
			domain, notes,
			s.clock.Now().UTC().Format(time.RFC3339Nano),
		}})
	if err != nil {
		return fmt.Errorf("store: ignore add: %w", err)
	}
	return nil
}

// IgnoreRemove deletes an ignore-list entry. Removing an entry that
// does not exist is not an error.
func (s *Store) IgnoreRemove(ctx context.Context, domain string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: ignore remove: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM ignored_domains WHERE domain = ?`,
		&sqlitex.ExecOptions{Args: []any{basedomain.Normalize(domain)}})
	if err != nil {
		return false, fmt.Errorf("store: ignore remove: %w", err)
	}
	return conn.Changes() > 0, nil
}

// IgnoreList returns the ignore table, alphabetically. A non-empty
// search narrows the result to domains containing it.
func (s *Store) IgnoreList(ctx context.Context, search string) ([]api.IgnoreEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: ignore list: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT domain, notes, added_at FROM ignored_domains`
	var args []any
	if search != "" {
		query += ` WHERE domain LIKE ?`
		args = append(args, "%"+basedomain.Normalize(search)+"%")
	}
	query += ` ORDER BY domain`

	var entries []api.IgnoreEntry
	err = sqlitex.Execute(conn, query,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, api.IgnoreEntry{
					Domain:  stmt.ColumnText(0),
					Notes:   stmt.ColumnText(1),
					AddedAt: stmt.ColumnText(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: ignore list: %w", err)
	}
	return entries, nil
}

// IgnoreSet is the ignore list snapshotted for one fetch cycle.
type IgnoreSet struct {
	exact   map[string]struct{}
	domains []string
}

// Matches reports whether domain is ignored. Every entry suppresses
// the domain itself and all of its subdomains: an entry
// "amazonaws.com" drops "s3.us-east-1.amazonaws.com".
func (set *IgnoreSet) Matches(domain string) bool {
	if set == nil {
		return false
	}
	if _, ok := set.exact[domain]; ok {
		return true
	}
	for _, entry := range set.domains {
		if basedomain.MatchesBase(domain, entry) {
			return true
		}
	}
	return false
}

// IgnoreSnapshot loads the ignore list for use during a cycle. The
// snapshot is taken once at cycle start, so entries added mid-cycle
// take effect next cycle.
func (s *Store) IgnoreSnapshot(ctx context.Context) (*IgnoreSet, error) {
	entries, err := s.IgnoreList(ctx, "")
	if err != nil {
		return nil, err
	}
	set := &IgnoreSet{
		exact:   make(map[string]struct{}, len(entries)),
		domains: make([]string, 0, len(entries)),
	}
	for _, entry := range entries {
		set.exact[entry.Domain] = struct{}{}
		set.domains = append(set.domains, entry.Domain)
	}
	return set, nil
}

// Purge deletes ledger rows by domain, base domain, or date cutoff.
// Returns the number of rows removed.
func (s *Store) Purge(ctx context.Context, req api.PurgeRequest) (int64, error) {
	var query string
	var args []any
	switch {
	case req.Domain != "":
		query = `DELETE FROM condensed_log WHERE domain = ?`
		args = []any{basedomain.Normalize(req.Domain)}
	case req.BaseDomain != "":
		query = `DELETE FROM condensed_log WHERE base_domain = ?`
		args = []any{basedomain.Normalize(req.BaseDomain)}
	case req.Before != "":
		query = `DELETE FROM condensed_log WHERE date < ?`
		args = []any{req.Before}
	default:
		return 0, fmt.Errorf("store: purge: one of domain, base_domain, before is required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	return int64(conn.Changes()), nil
}

// Stats fills the store-derived fields of a status response.
func (s *Store) Stats(ctx context.Context, source string) (api.StatusResponse, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("store: stats: %w", err)
	}
	defer s.pool.Put(conn)

	status := api.StatusResponse{Source: source}
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*), COALESCE(SUM(count), 0), COUNT(DISTINCT domain), COUNT(DISTINCT date)
		 FROM condensed_log`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status.Rows = stmt.ColumnInt64(0)
				status.TotalQueries = stmt.ColumnInt64(1)
				status.Domains = stmt.ColumnInt64(2)
				status.Days = stmt.ColumnInt64(3)
				return nil
			},
		})
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("store: stats: %w", err)
	}

	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM ignored_domains`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status.Ignored = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("store: stats: %w", err)
	}

	err = sqlitex.Execute(conn,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status.DatabaseBytes = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("store: stats: %w", err)
	}

	cursor, found, err := s.Cursor(ctx, source)
	if err != nil {
		return api.StatusResponse{}, err
	}
	if found {
		status.CursorOffset = cursor.Offset
		status.CursorFile = cursor.Fingerprint
		status.LastFetchAt = cursor.FetchedAt.UTC().Format(time.RFC3339Nano)
	}
	return status, nil
}
