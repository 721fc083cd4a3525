package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Checksum utilities for divergence detection between client and server
// copies of an entity. The checksum is a SHA-256 over a canonical,
// order-independent serialization of the entity's persisted fields, so
// two processes hashing the same logical content always agree.

// volatileFields are locally-scoped transport metadata that must never
// influence the checksum: client and server strip them identically.
var volatileFields = map[string]struct{}{
	"client_seq":       {},
	"client_timestamp": {},
	"sync_session_id":  {},
	"device_id":        {},
}

// HashPayload computes the canonical checksum of an entity payload.
// Volatile fields are excluded; key order and nested map ordering do
// not affect the result.
func HashPayload(payload map[string]any) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize serializes a payload deterministically: object keys are
// emitted in sorted order at every nesting level and scalars are
// normalized. The output is stable across processes.
func Canonicalize(payload map[string]any) (string, error) {
	var b strings.Builder
	if err := writeCanonicalMap(&b, payload, true); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonicalMap(b *strings.Builder, m map[string]any, stripVolatile bool) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		if stripVolatile {
			if _, volatile := volatileFields[k]; volatile {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonicalString(b, k)
		b.WriteByte(':')
		if err := writeCanonicalValue(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func writeCanonicalValue(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeCanonicalString(b, val)
	case float64:
		return writeCanonicalNumber(b, val)
	case float32:
		return writeCanonicalNumber(b, float64(val))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		b.WriteString(val.String())
	case map[string]any:
		// Volatile stripping applies only at the top level; nested maps
		// are sub-documents of persisted content.
		return writeCanonicalMap(b, val, false)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonicalValue(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		return fmt.Errorf("unsupported payload value type %T", v)
	}
	return nil
}

func writeCanonicalNumber(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number in payload")
	}
	// Integral floats serialize without a fractional part so that 3 and
	// 3.0 hash identically regardless of the decoder that produced them.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func writeCanonicalString(b *strings.Builder, s string) {
	encoded, _ := json.Marshal(s)
	b.Write(encoded)
}

// IsVolatileField reports whether a payload key is transport metadata
// excluded from checksum computation.
func IsVolatileField(key string) bool {
	_, ok := volatileFields[key]
	return ok
}
