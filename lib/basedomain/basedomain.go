// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package basedomain extracts the registrable base of a domain name
// for coarse grouping and for ignore-list suffix matching.
//
// The rule is deliberately table-driven rather than a full public
// suffix list: the last two labels are the base domain unless they
// form a country-code registry suffix (co.uk, com.au, ...), in which
// case the base keeps three labels. Cloud-provider hostnames with
// per-resource leaf labels therefore collapse into one row per
// provider zone (everything under amazonaws.com groups as
// "amazonaws.com"), which is the granularity the summary view wants.
package basedomain

import "strings"

// multiPartSuffixes are second-level registry zones that act like
// TLDs: the label before them is the registrable name.
var multiPartSuffixes = map[string]struct{}{
	"co.uk": {}, "org.uk": {}, "me.uk": {}, "ac.uk": {}, "gov.uk": {},
	"co.jp": {}, "ne.jp": {}, "or.jp": {}, "ac.jp": {},
	"com.au": {}, "net.au": {}, "org.au": {}, "edu.au": {},
	"co.nz": {}, "net.nz": {}, "org.nz": {},
	"co.za": {}, "org.za": {}, "net.za": {},
	"com.br": {}, "net.br": {}, "org.br": {},
	"com.mx": {}, "org.mx": {}, "net.mx": {},
	"co.in": {}, "net.in": {}, "org.in": {},
	"com.cn": {}, "net.cn": {}, "org.cn": {},
	"co.kr": {}, "or.kr": {}, "ne.kr": {},
}

// Extract returns the registrable base of domain: the last two labels,
// or the last three when the final two form a multi-part suffix.
// Input is lowercased and a trailing dot is stripped. Domains with one
// label or fewer are returned as-is.
//
//	Extract("r-05.kinesisvideo.us-west-2.amazonaws.com") == "amazonaws.com"
//	Extract("www.google.com") == "google.com"
//	Extract("api.example.co.uk") == "example.co.uk"
func Extract(domain string) string {
	domain = Normalize(domain)

	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return domain
	}

	lastTwo := labels[len(labels)-2] + "." + labels[len(labels)-1]
	if _, ok := multiPartSuffixes[lastTwo]; ok {
		return labels[len(labels)-3] + "." + lastTwo
	}
	return lastTwo
}

// MatchesBase reports whether domain equals base or is a subdomain of
// it, case-insensitively. base "amazonaws.com" matches
// "s3.us-east-1.amazonaws.com" and "amazonaws.com" itself, but not
// "notamazonaws.com".
func MatchesBase(domain, base string) bool {
	domain = Normalize(domain)
	base = Normalize(base)
	if base == "" {
		return false
	}
	if domain == base {
		return true
	}
	return strings.HasSuffix(domain, "."+base)
}

// Normalize lowercases a domain and strips the trailing dot.
func Normalize(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}
