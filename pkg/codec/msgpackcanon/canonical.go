// Package msgpackcanon provides canonical msgpack encoding helpers for the
// sync protocol envelopes and the archive index: struct fields are encoded
// as name-keyed maps (not positional arrays) in field declaration order,
// and ad-hoc maps are encoded with sorted keys, so two encoders produce
// byte-identical output for equal values.
package msgpackcanon

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// newEncoder returns an Encoder configured for canonical output: structs as
// maps keyed by their msgpack tag (not arrays), map keys sorted.
func newEncoder(buf *bytes.Buffer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	enc.UseArrayEncodedStructs(false)
	return enc
}

// Marshal encodes v into canonical msgpack.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpackcanon: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes canonical (or any valid) msgpack data into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpackcanon: unmarshal: %w", err)
	}
	return nil
}
