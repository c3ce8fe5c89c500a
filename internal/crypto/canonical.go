package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SignatureField is never part of the signed bytes.
const SignatureField = "signature"

// Canonicalize produces the signing input for record: the top-level
// signature field is dropped, object keys are sorted at every depth,
// arrays keep their order and the output carries no whitespace.
//
// record may be a struct, a map or raw JSON ([]byte / json.RawMessage).
// Numbers pass through float64, so 1.50 and 1.5 canonicalize alike and
// -0 is written as 0. U+2028 and U+2029 are written raw, as other
// implementations of the protocol do.
func Canonicalize(record any) ([]byte, error) {
	var raw []byte
	switch v := record.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("canonicalize: %w", err)
		}
		raw = data
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	if obj, ok := generic.(map[string]any); ok {
		delete(obj, SignatureField)
	}
	generic = normalizeZero(generic)

	// encoding/json writes map keys in sorted order at every level.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return unescapeSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func normalizeZero(v any) any {
	switch t := v.(type) {
	case float64:
		if t == 0 {
			return float64(0)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeZero(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeZero(e)
		}
	}
	return v
}

// unescapeSeparators turns the \u2028 and \u2029 escapes encoding/json
// always emits back into raw characters.
func unescapeSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 == len(data) {
			out = append(out, data[i])
			continue
		}
		switch seq := data[i:]; {
		case bytes.HasPrefix(seq, []byte(`\u2028`)):
			out = append(out, "\u2028"...)
			i += 5
			continue
		case bytes.HasPrefix(seq, []byte(`\u2029`)):
			out = append(out, "\u2029"...)
			i += 5
			continue
		}
		// Keep the escaped character with its backslash.
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}
