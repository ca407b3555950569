package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint is the deterministic identity of a unit, used for dedup.
// Two units with the same fingerprint within a conversation represent the
// same logical event and must collapse to a single delivery and persistence.
type Fingerprint string

// FingerprintOf computes the fingerprint of a candidate unit. It is a pure
// function of kind, normalized payload, and owning turn id. Wall-clock time
// never participates, so re-entrant stages reproducing the same output map
// to the same identity.
func FingerprintOf(kind UnitKind, payload map[string]any, turnID string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(turnID))
	h.Write([]byte{0})
	h.Write([]byte(normalizePayload(payload)))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// normalizePayload renders the payload as a canonical string: string values
// trimmed of surrounding whitespace, nested structures recursed, then JSON
// encoded (json.Marshal writes map keys in sorted order). JSON escaping keeps
// the encoding injective: content containing structural characters cannot
// collide with a differently shaped payload. Equality is byte-equality after
// normalization; near-duplicate resolution (partial completions with
// drifting content) is intentionally not attempted.
func normalizePayload(payload map[string]any) string {
	if len(payload) == 0 {
		return "{}"
	}
	data, err := json.Marshal(normalizeValue(payload))
	if err != nil {
		// Unencodable values only occur for payloads that could never have
		// been persisted either; fall back to a stable textual form.
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return val
	}
}
