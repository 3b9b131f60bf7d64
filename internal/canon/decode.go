package canon

import "encoding/json"

// Decode parses canonical bytes back into a Value tree. Decode is never on
// the audit path (it produces no bytes to sign or hash), so it is free to
// use encoding/json as a parser; canon's own grammar is a strict subset of
// JSON, so any encoding/json-compatible parser round-trips it.
func Decode(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return fromRaw(raw), nil
}

func fromRaw(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return nil
	case bool:
		return t
	case float64:
		return t
	case string:
		return t
	case []any:
		out := make([]Value, len(t))
		for i, v := range t {
			out[i] = fromRaw(v)
		}
		return out
	case map[string]any:
		obj := NewObject()
		for k, v := range t {
			obj.Set(k, fromRaw(v))
		}
		return obj
	default:
		return nil
	}
}
