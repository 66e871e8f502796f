package chat

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNotObject = errors.New("expected a JSON object")

var null = []byte("null")

// splitObject decodes data into its top-level members. Known members are
// removed by the take* helpers; whatever remains is preserved verbatim.
func splitObject(data []byte) (map[string]jsoniter.RawMessage, error) {
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errNotObject
	}
	return raw, nil
}

func isNull(v jsoniter.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), null)
}

func takeString(raw map[string]jsoniter.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if isNull(v) {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func takeBool(raw map[string]jsoniter.RawMessage, key string, dst *bool) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if isNull(v) {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func takeRaw(raw map[string]jsoniter.RawMessage, key string) jsoniter.RawMessage {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if isNull(v) {
		return nil
	}
	return append(jsoniter.RawMessage(nil), v...)
}

// objectWriter merges typed members over preserved ones.
type objectWriter struct {
	out map[string]jsoniter.RawMessage
	err error
}

func newObjectWriter(preserved map[string]jsoniter.RawMessage, extra int) *objectWriter {
	out := make(map[string]jsoniter.RawMessage, len(preserved)+extra)
	for k, v := range preserved {
		out[k] = v
	}
	return &objectWriter{out: out}
}

func (w *objectWriter) set(key string, v any) {
	if w.err != nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		w.err = fmt.Errorf("field %q: %w", key, err)
		return
	}
	w.out[key] = b
}

func (w *objectWriter) setRaw(key string, v jsoniter.RawMessage) {
	w.out[key] = v
}

func (w *objectWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return json.Marshal(w.out)
}
