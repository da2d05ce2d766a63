// Package canon provides deterministic hashing of text and JSON payloads.
//
// Invariants:
// - Canonical JSON has sorted object keys and no insignificant whitespace.
// - Numbers keep the literal produced by encoding/json, so a value hashes the
//   same before it is written and after it is read back.
//
// Usage:
//
//	body, _ := canon.JSON(map[string]any{"b": 1, "a": "x"}) // {"a":"x","b":1}
//	h := canon.ChainHash(body, canon.ZeroHash)
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ZeroHash is the prev_hash of the first record in a chain.
var ZeroHash = strings.Repeat("0", 64)

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// HashText returns the SHA-256 of the UTF-8 bytes of s.
func HashText(s string) string {
	return SHA256Hex([]byte(s))
}

// ChainHash computes sha256(canonicalBody + "\n" + prevHash).
func ChainHash(canonicalBody []byte, prevHash string) string {
	h := sha256.New()
	_, _ = h.Write(canonicalBody)
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// JSON returns the canonical encoding of v. v may be any value encoding/json
// accepts, including json.RawMessage.
func JSON(v any) ([]byte, error) {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		raw, err = marshalNoEscape(v)
		if err != nil {
			return nil, fmt.Errorf("canon: marshal: %w", err)
		}
	}
	tree, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses raw JSON keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("canon: trailing data after JSON value")
	}
	return v, nil
}

// DecodeObject parses a JSON object keeping numbers as json.Number.
func DecodeObject(raw []byte) (map[string]any, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("canon: value is not a JSON object")
	}
	return obj, nil
}

// Equal reports whether a and b have the same canonical encoding.
func Equal(a, b any) bool {
	ca, err := JSON(a)
	if err != nil {
		return false
	}
	cb, err := JSON(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, err := marshalNoEscape(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalNoEscape(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
	return nil
}
