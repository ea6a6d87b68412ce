package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CanonicalJSON serializes a value with object keys sorted
// lexicographically at every depth and nil-valued map entries elided, so
// that two semantically equal objects always produce identical bytes.
func CanonicalJSON(value interface{}) ([]byte, error) {
	normalized, err := normalize(value)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := writeCanonical(&b, normalized); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// HashCanonicalJSON returns the hex SHA-256 of the canonical JSON form.
func HashCanonicalJSON(value interface{}) (string, error) {
	canonical, err := CanonicalJSON(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex SHA-256 of raw bytes. Used for signature
// fingerprints.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalize round-trips the value through encoding/json so structs, maps
// and primitives all land on the same representation.
func normalize(value interface{}) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeCanonical(b *strings.Builder, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for key, entry := range v {
			if entry == nil {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(key)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, v[key]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil

	case []interface{}:
		b.WriteByte('[')
		for i, entry := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, entry); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil

	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(raw)
		return nil
	}
}
