package digest

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/rotisserie/eris"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): map keys are
// sorted and integers use their shortest form, so equal trees encode to
// identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("digest: cbor encoder init: " + err.Error())
	}
}

// Canonical returns the canonical digest of v. v is first reduced to its
// JSON shape (objects, arrays, strings, numbers, booleans, null); object
// keys are then serialized in sorted order and array elements are sorted by
// their own serialized form, so structurally equal values hash identically
// regardless of key or element order.
func Canonical(v any) (string, error) {
	b, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	return keyed(canonicalDomainKey, b), nil
}

// CanonicalBytes returns the deterministic encoding that Canonical hashes.
//
// Trees built only from map[string]any, []any, []map[string]any, strings,
// integers, floats, booleans and nil are encoded directly; a string that is
// not valid UTF-8 is kept as its raw bytes, so distinct byte sequences never
// share a digest. Any other value is reduced through encoding/json, which
// replaces invalid UTF-8 with U+FFFD.
func CanonicalBytes(v any) ([]byte, error) {
	norm, err := plain(v)
	if errors.Is(err, errNotPlain) {
		norm, err = viaJSON(v)
	}
	if err != nil {
		return nil, err
	}
	out, err := encMode.Marshal(norm)
	if err != nil {
		return nil, eris.Wrap(err, "digest: encode value")
	}
	return out, nil
}

var errNotPlain = errors.New("digest: not a plain value")

// plain canonicalizes v without a JSON round trip. Numbers take the same
// form the JSON path gives them: integral floats in int64 range become
// int64.
func plain(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case string:
		if !utf8.ValidString(t) {
			return []byte(t), nil
		}
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, eris.Errorf("digest: unsupported number %v", t)
		}
		if t == math.Trunc(t) && t >= math.MinInt64 && t < math.MaxInt64 {
			return int64(t), nil
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if !utf8.ValidString(k) {
				return nil, errNotPlain
			}
			c, err := plain(val)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		elems := make([]any, len(t))
		for i, val := range t {
			c, err := plain(val)
			if err != nil {
				return nil, err
			}
			elems[i] = c
		}
		return sortedArray(elems)
	case []map[string]any:
		elems := make([]any, len(t))
		for i, val := range t {
			c, err := plain(val)
			if err != nil {
				return nil, err
			}
			elems[i] = c
		}
		return sortedArray(elems)
	default:
		return nil, errNotPlain
	}
}

func viaJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "digest: marshal value")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, eris.Wrap(err, "digest: decode value")
	}
	return canonicalize(tree)
}

// canonicalize converts a decoded JSON tree into values whose deterministic
// encoding does not depend on array order.
func canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := canonicalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil

	case []any:
		elems := make([]any, len(t))
		for i, val := range t {
			c, err := canonicalize(val)
			if err != nil {
				return nil, err
			}
			elems[i] = c
		}
		return sortedArray(elems)

	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, eris.Wrapf(err, "digest: number %q", t.String())
		}
		return f, nil

	default:
		// string, bool, nil
		return t, nil
	}
}

// sortedArray orders already canonical elements by their encoded bytes.
func sortedArray(elems []any) ([]cbor.RawMessage, error) {
	encoded := make([][]byte, 0, len(elems))
	for _, c := range elems {
		b, err := encMode.Marshal(c)
		if err != nil {
			return nil, eris.Wrap(err, "digest: encode element")
		}
		encoded = append(encoded, b)
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})
	out := make([]cbor.RawMessage, len(encoded))
	for i, b := range encoded {
		out[i] = b
	}
	return out, nil
}
