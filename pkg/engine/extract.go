// Package engine runs a plan's step DAG with bounded parallelism,
// dependency ordering, per-step timeouts, the failure policy and plan
// adaptation.
package engine

import (
	"regexp"
	"sort"
	"strings"
)

// Deterministic entity extractors. A record's entities come from two
// passes: the explicit well-known fields, then pattern scans over every
// string value.
var (
	ipv4Pattern = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\b`)
	// Hex digests by length: MD5 (32), SHA-1 (40), SHA-256 (64).
	hashPattern   = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{32}\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+(?:[a-zA-Z]{2,})\b`)
)

// fileExtensions are suffixes that make a dotted token a filename, not a
// domain.
var fileExtensions = map[string]bool{
	"exe": true, "dll": true, "bat": true, "ps1": true, "sh": true,
	"tmp": true, "log": true, "txt": true, "zip": true, "bin": true,
}

// explicitFields maps well-known payload fields to entity kinds.
var explicitFields = map[string]string{
	"src_ip":    "ip",
	"dst_ip":    "ip",
	"hostname":  "hostname",
	"user":      "user",
	"file_hash": "hash",
}

// ExtractEntities derives the entity map from a structured record. The
// result is deterministic: values are deduplicated and sorted per kind.
func ExtractEntities(record map[string]any) map[string][]string {
	found := make(map[string]map[string]bool)
	add := func(kind, value string) {
		if value == "" {
			return
		}
		if found[kind] == nil {
			found[kind] = make(map[string]bool)
		}
		found[kind][value] = true
	}

	for field, kind := range explicitFields {
		if v, ok := record[field].(string); ok {
			add(kind, v)
		}
	}

	for _, raw := range record {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		for _, ip := range ipv4Pattern.FindAllString(s, -1) {
			add("ip", ip)
		}
		for _, h := range hashPattern.FindAllString(s, -1) {
			add("hash", strings.ToLower(h))
		}
		for _, d := range domainPattern.FindAllString(s, -1) {
			// IPv4 literals also match the domain pattern; skip them.
			if ipv4Pattern.MatchString(d) {
				continue
			}
			lowered := strings.ToLower(d)
			if idx := strings.LastIndex(lowered, "."); idx >= 0 && fileExtensions[lowered[idx+1:]] {
				continue
			}
			add("domain", lowered)
		}
	}

	if len(found) == 0 {
		return nil
	}
	out := make(map[string][]string, len(found))
	for kind, values := range found {
		list := make([]string, 0, len(values))
		for v := range values {
			list = append(list, v)
		}
		sort.Strings(list)
		out[kind] = list
	}
	return out
}
