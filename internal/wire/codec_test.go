package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := TunnelRequest{
		Type:        TypeTunnelRequest,
		RequestID:   "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		TunnelID:    "01ARZ3NDEKTSV4RRFFQ69G5FAW",
		Method:      "GET",
		Path:        "/api/users",
		QueryString: "page=2",
		Headers:     []HeaderPair{{"User-Agent", "curl/8"}},
		Body:        `{"ok":true}`,
		ClientIP:    "203.0.113.1",
	}

	raw, err := Encode(original)
	require.NoError(t, err)

	typ, err := PeekType(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeTunnelRequest, typ)

	var decoded TunnelRequest
	require.NoError(t, Decode(raw, &decoded))
	assert.Equal(t, original, decoded)
}

func TestBodyEncodingRoundTripsValidUTF8Raw(t *testing.T) {
	body, encoding := EncodeBody([]byte("hello world"))
	assert.Equal(t, "hello world", body)
	assert.Empty(t, encoding)

	out, err := DecodeBody(body, encoding)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), out)
}

func TestBodyEncodingBase64sInvalidUTF8(t *testing.T) {
	payload := []byte{0xff, 0xfe, 0x00, 0x01, 0x80}
	body, encoding := EncodeBody(payload)
	assert.Equal(t, EncodingBase64, encoding)

	out, err := DecodeBody(body, encoding)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestPeekTypeRejectsMissingType(t *testing.T) {
	_, err := PeekType([]byte(`{"foo":"bar"}`))
	assert.Error(t, err)
}

func TestPeekTypeRejectsInvalidJSON(t *testing.T) {
	_, err := PeekType([]byte(`not json`))
	assert.Error(t, err)
}
