package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianworks/herald/pkg/registry"
	"github.com/meridianworks/herald/pkg/tx"
)

// converted is the call-ready form of the wire arguments.
type converted struct {
	args   []any
	kwargs map[string]any

	// instantiate mode
	ids    []int64
	scalar bool

	execCtx   tx.Context
	timestamp map[string]time.Time
}

// timestampKey carries the caller's read-view constraint inside the execution
// context: model-name → RFC 3339 time of the caller's prior read.
const timestampKey = "_timestamp"

// convert adapts wire arguments to the method's calling convention, resolves
// the execution context merged with transport metadata, and extracts the
// optional timestamp constraint. Malformed arguments surface as validation
// errors, never as fatal ones.
func convert(call *Call, m *registry.Method) (*converted, error) {
	c := &converted{
		args:   call.Args,
		kwargs: call.Kwargs,
		scalar: true,
	}

	c.execCtx = tx.Context{"language": "en"}
	for k, v := range call.Context {
		c.execCtx[k] = v
	}
	if call.Remote != "" {
		c.execCtx["_request.remote"] = call.Remote
	}
	if call.Scheme != "" {
		c.execCtx["_request.scheme"] = call.Scheme
	}
	if call.RequestID != "" {
		c.execCtx["_request.id"] = call.RequestID
	}

	if raw, ok := c.execCtx[timestampKey]; ok {
		delete(c.execCtx, timestampKey)
		ts, err := parseTimestamps(raw)
		if err != nil {
			return nil, &tx.UserError{Message: "invalid timestamp constraint", Description: err.Error()}
		}
		c.timestamp = ts
	}

	if m.Desc.Instantiate != nil {
		idx := *m.Desc.Instantiate
		if idx < 0 || idx >= len(c.args) {
			return nil, &tx.UserError{
				Message:     "missing record argument",
				Description: fmt.Sprintf("%s.%s.%s expects an id at position %d", m.Kind, m.Object, m.Name, idx),
			}
		}
		ids, scalar, err := parseIDs(c.args[idx])
		if err != nil {
			return nil, &tx.UserError{Message: "invalid record argument", Description: err.Error()}
		}
		c.ids = ids
		c.scalar = scalar
		// remaining positional arguments are passed through unchanged
		rest := make([]any, 0, len(c.args)-1)
		rest = append(rest, c.args[:idx]...)
		rest = append(rest, c.args[idx+1:]...)
		c.args = rest
	}
	return c, nil
}

// parseIDs accepts a single id or a list of ids; JSON decoding delivers
// numbers as float64 or json.Number depending on the decoder.
func parseIDs(v any) ([]int64, bool, error) {
	if list, ok := v.([]any); ok {
		ids := make([]int64, len(list))
		for i, item := range list {
			id, err := parseID(item)
			if err != nil {
				return nil, false, err
			}
			ids[i] = id
		}
		return ids, false, nil
	}
	id, err := parseID(v)
	if err != nil {
		return nil, false, err
	}
	return []int64{id}, true, nil
}

func parseID(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("record id must be an integer, got %T", v)
	}
}

func parseTimestamps(raw any) (map[string]time.Time, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", timestampKey)
	}
	out := make(map[string]time.Time, len(m))
	for model, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%s] must be an RFC 3339 string", timestampKey, model)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%s[%s]: %v", timestampKey, model, err)
		}
		out[model] = t
	}
	return out, nil
}
