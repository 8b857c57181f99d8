// Package canonical produces the canonical JSON form used for hashing and
// signing: keys sorted lexicographically at every level, compact separators,
// UTF-8, line endings inside strings normalized to LF, and string scalars
// trimmed of leading/trailing whitespace.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Normalize recursively normalizes a decoded JSON value: strings are
// trimmed and newline-normalized, objects and arrays are walked. Numbers
// must be json.Number to survive round-trips without reformatting.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case string:
		s := strings.ReplaceAll(val, "\r\n", "\n")
		s = strings.ReplaceAll(s, "\r", "\n")
		return strings.TrimSpace(s)
	default:
		return v
	}
}

// Decode parses JSON preserving the textual form of numbers.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// Marshal serializes v in canonical form. v may be any JSON-marshalable
// value; it is round-tripped through a generic decode so that struct field
// order never leaks into the output and map keys come out sorted.
func Marshal(v any) ([]byte, error) {
	generic, err := roundTrip(v)
	if err != nil {
		return nil, err
	}
	return encode(Normalize(generic), "")
}

// MarshalIndent serializes v with sorted keys and normalized strings, but
// indented for readability. Used for the outer evidence bundle document;
// the signed summary inside it stays compact.
func MarshalIndent(v any) ([]byte, error) {
	generic, err := roundTrip(v)
	if err != nil {
		return nil, err
	}
	return encode(Normalize(generic), "  ")
}

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash canonicalizes v and returns the SHA-256 of the canonical bytes.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

func roundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return Decode(raw)
}

func encode(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode canonical json: %w", err)
	}
	// Encoder appends a newline; canonical bytes must not carry it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
