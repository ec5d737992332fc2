// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package api defines the request and response types of the control
// socket protocol shared by the service and the CLI. All values are
// CBOR on the wire.
package api

// Request actions understood by the service.
const (
	ActionFetch        = "fetch"
	ActionQuery        = "query"
	ActionSummary      = "summary"
	ActionIgnoreAdd    = "ignore-add"
	ActionIgnoreRemove = "ignore-remove"
	ActionIgnoreList   = "ignore-list"
	ActionPurge        = "purge"
	ActionStatus       = "status"
)

// FetchReport summarizes one ingestion cycle.
type FetchReport struct {
	Source string `cbor:"source"`

	// Ingested counts decoded records added to the ledger; Rows is
	// the number of distinct condensed keys they collapsed into.
	Ingested  int `cbor:"ingested"`
	Rows      int `cbor:"rows"`
	Malformed int `cbor:"malformed"`
	Ignored   int `cbor:"ignored"`

	BytesRead int64 `cbor:"bytes_read"`
	Offset    int64 `cbor:"offset"`

	// Rotated reports that a new file incarnation was detected;
	// DrainedRows counts records recovered from the rotated copy.
	Rotated     bool `cbor:"rotated"`
	DrainedRows int  `cbor:"drained_rows,omitempty"`

	// Truncated reports that the cycle stopped at the transfer cap
	// with remote data still unread.
	Truncated bool `cbor:"truncated,omitempty"`

	DurationMillis int64 `cbor:"duration_millis"`
}

// QueryRequest filters the condensed ledger. Zero-valued fields do
// not constrain the result.
type QueryRequest struct {
	Action string `cbor:"action"`

	Date     string `cbor:"date,omitempty"`      // exact YYYY-MM-DD
	DateFrom string `cbor:"date_from,omitempty"` // inclusive
	DateTo   string `cbor:"date_to,omitempty"`   // inclusive

	Client     string `cbor:"client,omitempty"` // IP or resolved name
	Domain     string `cbor:"domain,omitempty"` // exact, or a pattern with '*'
	BaseDomain string `cbor:"base_domain,omitempty"`
	QueryType  string `cbor:"query_type,omitempty"`
	Protocol   string `cbor:"protocol,omitempty"`
	Filtered   *bool  `cbor:"filtered,omitempty"`

	// CountMin and CountMax bound the aggregated count, inclusive.
	// Zero means unbounded.
	CountMin int64 `cbor:"count_min,omitempty"`
	CountMax int64 `cbor:"count_max,omitempty"`

	Limit int `cbor:"limit,omitempty"`
}

// CondensedRow is one aggregated ledger entry.
type CondensedRow struct {
	Date           string `cbor:"date"`
	ClientIP       string `cbor:"client_ip"`
	ClientName     string `cbor:"client_name,omitempty"`
	Domain         string `cbor:"domain"`
	QueryType      string `cbor:"query_type"`
	ClientProtocol string `cbor:"client_protocol,omitempty"`
	Upstream       string `cbor:"upstream,omitempty"`
	Filtered       bool   `cbor:"filtered"`
	FilterRule     string `cbor:"filter_rule,omitempty"`
	Count          int64  `cbor:"count"`
	FirstSeen      string `cbor:"first_seen"`
	LastSeen       string `cbor:"last_seen"`
}

// QueryResponse carries the matching rows, most-queried first.
type QueryResponse struct {
	Rows []CondensedRow `cbor:"rows"`
}

// SummaryRequest asks for per-base-domain totals.
type SummaryRequest struct {
	Action string `cbor:"action"`
	Date   string `cbor:"date,omitempty"` // defaults to all dates
	Limit  int    `cbor:"limit,omitempty"`
}

// SummaryRow aggregates a base domain across all its subdomains.
type SummaryRow struct {
	BaseDomain string `cbor:"base_domain"`
	Count      int64  `cbor:"count"`
	Domains    int64  `cbor:"domains"`
	Filtered   int64  `cbor:"filtered"`
}

// SummaryResponse carries base-domain totals plus MaxCount, the
// largest single-row count in the selected range, for rendering
// proportional bars.
type SummaryResponse struct {
	Rows     []SummaryRow `cbor:"rows"`
	MaxCount int64        `cbor:"max_count"`
}

// IgnoreRequest adds or removes an ignore-list entry. An entry
// suppresses the domain and all of its subdomains. Ignores apply to
// future ingestion only; use Purge to remove rows already stored.
type IgnoreRequest struct {
	Action string `cbor:"action"`
	Domain string `cbor:"domain"`
	Notes  string `cbor:"notes,omitempty"`
}

// IgnoreEntry is one ignore-list row.
type IgnoreEntry struct {
	Domain  string `cbor:"domain"`
	Notes   string `cbor:"notes,omitempty"`
	AddedAt string `cbor:"added_at"`
}

// IgnoreListRequest lists ignore-list entries, optionally narrowed to
// domains containing Search.
type IgnoreListRequest struct {
	Action string `cbor:"action"`
	Search string `cbor:"search,omitempty"`
}

// IgnoreListResponse lists the ignore table.
type IgnoreListResponse struct {
	Entries []IgnoreEntry `cbor:"entries"`
}

// PurgeRequest deletes stored rows. Exactly one of Domain,
// BaseDomain, or Before must be set.
type PurgeRequest struct {
	Action     string `cbor:"action"`
	Domain     string `cbor:"domain,omitempty"`
	BaseDomain string `cbor:"base_domain,omitempty"`
	Before     string `cbor:"before,omitempty"` // delete dates earlier than this
}

// PurgeResponse reports how many rows were deleted.
type PurgeResponse struct {
	Deleted int64 `cbor:"deleted"`
}

// StatusResponse describes the service and its store.
type StatusResponse struct {
	Source        string `cbor:"source"`
	CursorOffset  int64  `cbor:"cursor_offset"`
	CursorFile    string `cbor:"cursor_file,omitempty"` // first-record fingerprint
	LastFetchAt   string `cbor:"last_fetch_at,omitempty"`
	Rows          int64  `cbor:"rows"`
	TotalQueries  int64  `cbor:"total_queries"`
	Domains       int64  `cbor:"domains"`
	Days          int64  `cbor:"days"`
	Ignored       int64  `cbor:"ignored"`
	DatabaseBytes int64  `cbor:"database_bytes"`
	Version       string `cbor:"version"`
}
