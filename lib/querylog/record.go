// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package querylog decodes AdGuard Home query log records.
//
// The remote log is newline-delimited JSON, one object per DNS query.
// Field names follow AdGuard Home's on-disk format: T (timestamp), QH
// (query host), QT (query type), QC (query class), CP (client
// protocol), IP, Upstream, Answer, Cached, Elapsed, and a Result
// object carrying the filtering outcome.
package querylog

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/queryledger/queryledger/lib/basedomain"
)

// ErrMalformed marks a line that is not a decodable query log record.
// Malformed lines are counted and skipped by the ingestion cycle,
// never fatal.
var ErrMalformed = errors.New("querylog: malformed record")

// Record is one normalized query log entry. Transient: produced by
// Decode, consumed by the ignore filter and the aggregator, then
// discarded.
type Record struct {
	Timestamp      time.Time
	IP             string
	Client         string // display name, filled in by the resolver
	Domain         string
	QueryType      string
	QueryClass     string
	ClientProtocol string
	Upstream       string
	Filtered       bool
	FilterRule     string // empty when not filtered
	FilterReason   int    // AdGuard result reason code; 0 when not filtered
	Elapsed        time.Duration
	Cached         bool
	Answer         string // base64 DNS answer, carried opaquely
}

// DateIn returns the record's date (YYYY-MM-DD) in the reporting
// timezone. This is the date dimension of the condensed key.
func (r Record) DateIn(loc *time.Location) string {
	return r.Timestamp.In(loc).Format("2006-01-02")
}

// wireRecord mirrors the AdGuard on-disk JSON shape.
type wireRecord struct {
	Timestamp      string `json:"T"`
	Host           string `json:"QH"`
	Type           string `json:"QT"`
	Class          string `json:"QC"`
	ClientProtocol string `json:"CP"`
	IP             string `json:"IP"`
	Upstream       string `json:"Upstream"`
	Answer         string `json:"Answer"`
	Cached         bool   `json:"Cached"`
	Elapsed        int64  `json:"Elapsed"`
	Result         struct {
		IsFiltered bool `json:"IsFiltered"`
		Reason     int  `json:"Reason"`
		Rules      []struct {
			Text string `json:"Text"`
		} `json:"Rules"`
	} `json:"Result"`
}

// Decode parses one log line into a Record. Lines that are not valid
// JSON, lack a timestamp, or lack a query host return an error
// wrapping ErrMalformed.
func Decode(line []byte) (Record, error) {
	var wire wireRecord
	if err := json.Unmarshal(line, &wire); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Timestamp == "" || wire.Host == "" {
		return Record{}, fmt.Errorf("%w: missing T or QH", ErrMalformed)
	}

	timestamp, err := ParseTimestamp(wire.Timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	record := Record{
		Timestamp:      timestamp,
		IP:             wire.IP,
		Domain:         basedomain.Normalize(wire.Host),
		QueryType:      wire.Type,
		QueryClass:     wire.Class,
		ClientProtocol: wire.ClientProtocol,
		Upstream:       wire.Upstream,
		Filtered:       wire.Result.IsFiltered,
		FilterReason:   wire.Result.Reason,
		Elapsed:        time.Duration(wire.Elapsed),
		Cached:         wire.Cached,
		Answer:         wire.Answer,
	}
	if wire.Result.IsFiltered && len(wire.Result.Rules) > 0 {
		record.FilterRule = wire.Result.Rules[0].Text
	}
	return record, nil
}

// ParseTimestamp parses an AdGuard record timestamp. The format is
// RFC 3339 with nanosecond precision and a numeric zone offset, e.g.
// "2025-12-03T20:51:20.119085476-06:00".
func ParseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", value, err)
	}
	return t, nil
}

// PeekTimestamp extracts only the T field from a log line. The
// rotation detector uses this on the file's first line to fingerprint
// the file incarnation without decoding the full record.
func PeekTimestamp(line []byte) (time.Time, error) {
	var wire struct {
		Timestamp string `json:"T"`
	}
	if err := json.Unmarshal(line, &wire); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Timestamp == "" {
		return time.Time{}, fmt.Errorf("%w: missing T", ErrMalformed)
	}
	return ParseTimestamp(wire.Timestamp)
}
