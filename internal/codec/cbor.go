// Package codec encodes the binary payloads stored in the command and user
// tables. Payloads use CBOR with core deterministic encoding so the same value
// always produces the same bytes.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Role values implement encoding.TextMarshaler and must encode as text.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// JSON-derived command data is decoded into any; keep maps JSON-compatible.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// FromJSON converts a JSON document into its CBOR encoding. It is how
// administrators hand typed data to command constructors.
func FromJSON(text string) ([]byte, error) {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	data, err := Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cbor: %w", err)
	}
	return data, nil
}
