package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DocKind tags the shape of a normalized payload value.
type DocKind int

const (
	KindNull DocKind = iota
	KindScalar
	KindString
	KindArray
	KindObject
)

func (k DocKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Document is a normalized payload value. Incoming data of any format is
// converted to this tagged form at ingress; downstream code switches on
// Kind and never inspects runtime types directly.
type Document struct {
	value interface{}
}

// NewDocument normalizes an arbitrary decoded value (maps, slices, scalars)
// into a Document. Map keys must be strings; other map types fail.
func NewDocument(v interface{}) (Document, error) {
	norm, err := normalizeValue(v)
	if err != nil {
		return Document{}, err
	}
	return Document{value: norm}, nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, float64:
		return t, nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return f, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			n, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			n, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[interface{}]interface{}:
		// YAML decodes nested maps this way.
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string map key %v", k)
			}
			n, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	default:
		// Structs and other concrete types round-trip through JSON.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("unsupported payload type %T: %w", t, err)
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		return normalizeValue(decoded)
	}
}

// Kind returns the tag of the document value.
func (d Document) Kind() DocKind {
	switch d.value.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case bool, float64:
		return KindScalar
	case []interface{}:
		return KindArray
	case map[string]interface{}:
		return KindObject
	}
	return KindNull
}

// Value returns the underlying normalized value.
func (d Document) Value() interface{} { return d.value }

// Object returns the document's members. Only valid for KindObject.
func (d Document) Object() map[string]Document {
	m, ok := d.value.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]Document, len(m))
	for k, v := range m {
		out[k] = Document{value: v}
	}
	return out
}

// Array returns the document's elements. Only valid for KindArray.
func (d Document) Array() []Document {
	a, ok := d.value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]Document, len(a))
	for i, v := range a {
		out[i] = Document{value: v}
	}
	return out
}

// Depth returns the maximum nesting depth; scalars and strings are depth 0.
func (d Document) Depth() int {
	switch v := d.value.(type) {
	case map[string]interface{}:
		max := 0
		for _, e := range v {
			if dep := (Document{value: e}).Depth(); dep > max {
				max = dep
			}
		}
		return max + 1
	case []interface{}:
		max := 0
		for _, e := range v {
			if dep := (Document{value: e}).Depth(); dep > max {
				max = dep
			}
		}
		return max + 1
	default:
		return 0
	}
}

// CanonicalJSON serializes the document with sorted object keys, producing
// stable bytes for hashing and signing.
func (d Document) CanonicalJSON() []byte {
	// encoding/json sorts map keys, which is exactly the canonical form.
	raw, err := json.Marshal(d.value)
	if err != nil {
		// Normalized values are always marshalable.
		return []byte("null")
	}
	return raw
}

// ContentHash returns the hex SHA-256 of the canonical JSON bytes.
func (d Document) ContentHash() string {
	sum := sha256.Sum256(d.CanonicalJSON())
	return hex.EncodeToString(sum[:])
}

// Text flattens the document into a whitespace-joined token stream used
// to build embeddable descriptions. Object keys are included; members are
// visited in sorted key order for determinism.
func (d Document) Text() string {
	var sb strings.Builder
	d.appendText(&sb)
	return strings.TrimSpace(sb.String())
}

func (d Document) appendText(sb *strings.Builder) {
	switch v := d.value.(type) {
	case nil:
	case string:
		sb.WriteString(v)
		sb.WriteByte(' ')
	case bool:
		fmt.Fprintf(sb, "%v ", v)
	case float64:
		// Trim trailing zeros so 30.0 renders as 30.
		s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
		sb.WriteString(s)
		sb.WriteByte(' ')
	case []interface{}:
		for _, e := range v {
			(Document{value: e}).appendText(sb)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteByte(' ')
			(Document{value: v[k]}).appendText(sb)
		}
	}
}
