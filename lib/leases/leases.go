// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package leases parses dnsmasq lease files and resolves client IPs
// to display names. Name resolution is best effort: a missing or
// unreadable lease file degrades to IP-only labels, it never blocks
// ingestion.
package leases

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lease is one dnsmasq lease entry. The file format is one lease per
// line: expiry epoch, MAC address, IP address, hostname, client ID.
// dnsmasq writes "*" for hosts that did not announce a name.
type Lease struct {
	Expires  time.Time
	MAC      string
	IP       string
	Hostname string
}

// Parse reads a dnsmasq lease file. Lines with fewer than four fields
// are skipped; a hostname of "*" yields a lease with an empty
// Hostname. Parse never fails on content, only the scanner can error.
func Parse(data []byte) ([]Lease, error) {
	var out []Lease
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		epoch, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		lease := Lease{
			Expires: time.Unix(epoch, 0).UTC(),
			MAC:     strings.ToLower(fields[1]),
			IP:      fields[2],
		}
		if fields[3] != "*" {
			lease.Hostname = fields[3]
		}
		out = append(out, lease)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("leases: scan: %w", err)
	}
	return out, nil
}

// Resolver maps client IPs to display names from a lease snapshot.
// The zero value resolves every IP to itself.
type Resolver struct {
	byIP map[string]string
}

// NewResolver builds a Resolver from a lease snapshot. Leases without
// a hostname are ignored; when the same IP appears more than once the
// later entry wins, matching dnsmasq's append-on-renewal behavior.
func NewResolver(snapshot []Lease) *Resolver {
	byIP := make(map[string]string, len(snapshot))
	for _, lease := range snapshot {
		if lease.Hostname != "" {
			byIP[lease.IP] = lease.Hostname
		}
	}
	return &Resolver{byIP: byIP}
}

// Name returns the display name for ip, falling back to the IP string
// itself when no lease names it.
func (r *Resolver) Name(ip string) string {
	if r != nil && r.byIP != nil {
		if name, ok := r.byIP[ip]; ok {
			return name
		}
	}
	return ip
}

// Known reports whether ip has a named lease.
func (r *Resolver) Known(ip string) bool {
	if r == nil || r.byIP == nil {
		return false
	}
	_, ok := r.byIP[ip]
	return ok
}

// Len reports how many named leases the resolver holds.
func (r *Resolver) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byIP)
}
