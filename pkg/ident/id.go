package ident

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// NewID mints a random UUIDv4 identifier.
func NewID() string {
	return uuid.New().String()
}

// NewPrefixedID mints a UUIDv4 with a short type prefix, e.g. "inv_<uuid>".
func NewPrefixedID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// IdempotencyKey derives the deterministic admission key for
// StartInvestigation. Two starts with the same (tenantID, alertID,
// correlationKey) map to the same key and therefore the same investigation.
func IdempotencyKey(tenantID, alertID, correlationKey string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(alertID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(correlationKey))
	return fmt.Sprintf("idem_%016x", h.Sum64())
}

// ApprovalSeed is the deterministic input for a synthesized approval
// request id.
type ApprovalSeed struct {
	RunID       string
	AgentID     string
	TS          string
	Title       string
	Description string
	Payload     map[string]any
}

// ApprovalRequestID synthesizes a deterministic approval request id:
// "req_" + 32-bit FNV-1a hash of the stable-stringified seed. Producers that
// omit requestId get this id with verified=false.
func ApprovalRequestID(seed ApprovalSeed) string {
	stable := stableStringify(map[string]any{
		"runId":       seed.RunID,
		"agentId":     seed.AgentID,
		"ts":          seed.TS,
		"title":       seed.Title,
		"description": seed.Description,
		"payload":     seed.Payload,
	})
	h := fnv.New32a()
	_, _ = h.Write([]byte(stable))
	return fmt.Sprintf("req_%08x", h.Sum32())
}

// stableStringify renders a value as JSON with map keys sorted recursively,
// so equal values always produce byte-identical output.
func stableStringify(v any) string {
	var b strings.Builder
	writeStable(&b, v)
	return b.String()
}

func writeStable(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeStable(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, item)
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			enc, _ = json.Marshal(fmt.Sprintf("%v", val))
		}
		b.Write(enc)
	}
}
