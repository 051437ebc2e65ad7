package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := &Request{
		Type:      TypeRequest,
		ID:        "c1:r1",
		Command:   "echo",
		Params:    json.RawMessage(`{"v":1,"nested":{"a":[1,2,3]}}`),
		TimeoutMS: 30000,
		TS:        1700000000000,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))

	raw, err := ReadFrame(&buf)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Command, decoded.Command)
	assert.JSONEq(t, string(msg.Params), string(decoded.Params))
}

func TestFrameParamsByteIdentical(t *testing.T) {
	// Compact params keep their exact bytes, key order included; the relay
	// forwards payloads as opaque blobs. (Encoding compacts, so whitespace
	// between tokens would not survive.)
	params := `{"z":1,"a":2}`
	msg := &Command{Type: TypeCommand, ID: "x", Command: "c", Params: json.RawMessage(params)}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))
	raw, err := ReadFrame(&buf)
	require.NoError(t, err)

	var decoded Command
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, params, string(decoded.Params))
}

func TestReadFrameZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadFrame(&buf)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "PROTOCOL_ERROR", fe.Code)
}

func TestReadFrameOversizeHeader(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxPayloadBytes+1)

	_, err := ReadFrame(bytes.NewReader(header[:]))
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", fe.Code)
}

func TestPayloadCapBoundary(t *testing.T) {
	// Exactly at the cap: accepted.
	exact := make([]byte, MaxPayloadBytes)
	var buf bytes.Buffer
	require.NoError(t, WriteRawFrame(&buf, exact))
	raw, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, raw, MaxPayloadBytes)

	// One byte over: rejected on write.
	over := make([]byte, MaxPayloadBytes+1)
	err = WriteRawFrame(&bytes.Buffer{}, over)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", fe.Code)
}

func TestReadFrameShortPayload(t *testing.T) {
	var buf bytes.Buffer
	binaryHeader := []byte{0, 0, 0, 10}
	buf.Write(binaryHeader)
	buf.Write([]byte("short"))

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"REQUEST","id":"c1:r1","ts":123}`))
	require.NoError(t, err)
	assert.Equal(t, TypeRequest, env.Type)
	assert.Equal(t, "c1:r1", env.ID)
	assert.Equal(t, int64(123), env.TS)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":     []byte("{nope"),
		"missing type": []byte(`{"id":"x"}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope(payload)
			var fe *FrameError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, "MALFORMED_JSON", fe.Code)
		})
	}
}
