package wire

import "encoding/base64"

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// EncodeBase64 unconditionally base64-encodes payload, for frame kinds
// (tcp_data, non-text ws_frame) that are always wire-encoded regardless of
// whether the bytes happen to be valid UTF-8.
func EncodeBase64(payload []byte) string {
	return base64Encode(payload)
}
