package wire

import (
	"fmt"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is used only to sniff the `type` field before dispatching to a
// concrete struct.
type envelope struct {
	Type Type `json:"type"`
}

// Encode marshals a frame struct (one of the types in frame.go) into the
// wire's UTF-8 JSON representation.
func Encode(frame interface{}) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

// PeekType reports the `type` field of a raw frame without fully decoding
// it, so the caller can pick the right concrete struct to unmarshal into.
func PeekType(raw []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("wire: invalid json: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("wire: missing type field")
	}
	return env.Type, nil
}

// Decode unmarshals raw into dst, which must be a pointer to one of the
// frame structs in frame.go.
func Decode(raw []byte, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}

// EncodeBody returns the wire representation of a body/data payload: the
// raw string and an empty encoding when it is valid UTF-8, or a base64
// string with encoding "base64" otherwise.
func EncodeBody(payload []byte) (body string, encoding string) {
	if utf8.Valid(payload) {
		return string(payload), ""
	}
	return base64Encode(payload), EncodingBase64
}

// DecodeBody reverses EncodeBody given the transmitted body and encoding
// field (encoding may be "", nil-equivalent, or "base64").
func DecodeBody(body string, encoding string) ([]byte, error) {
	if encoding == EncodingBase64 {
		return base64Decode(body)
	}
	return []byte(body), nil
}
