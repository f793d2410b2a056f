package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrips(t *testing.T) {
	var cases = []Message{
		{MType: Call, ReqID: 1, Data: json.RawMessage(`["echo","hello world"]`)},
		{MType: Call, ReqID: 7, More: true, Data: json.RawMessage(`{"value":1}`)},
		{MType: Call, ReqID: 7, Abort: true},
		{MType: Signal, ReqID: 12},
		{MType: Signal, ReqID: 12, Data: json.RawMessage(`null`)},
		{MType: Resp, ReqID: 3, Error: json.RawMessage(`{"message":"boom"}`)},
		{MType: Resp, ReqID: 18446744073709551615, More: true, Data: json.RawMessage(`[]`)},
		{MType: Resp, ReqID: 9}, // Stream terminator: no flag, no payload.
	}
	for _, m := range cases {
		var b, err = Encode(m)
		require.NoError(t, err)

		out, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, m, out)
	}
}

func TestFrameText(t *testing.T) {
	// Case: a non-streamed call with payload.
	var b, err = Encode(Message{MType: Call, ReqID: 42, Data: json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	require.Equal(t, `C42:"hi"`, string(b))

	// Case: a streaming response value frame.
	b, err = Encode(Message{MType: Resp, ReqID: 5, More: true, Data: json.RawMessage(`1`)})
	require.NoError(t, err)
	require.Equal(t, `R+5:1`, string(b))

	// Case: an abort frame has no payload.
	b, err = Encode(Message{MType: Call, ReqID: 5, Abort: true})
	require.NoError(t, err)
	require.Equal(t, `C#5`, string(b))

	// Case: an error frame.
	b, err = Encode(Message{MType: Resp, ReqID: 5, Error: json.RawMessage(`"e"`)})
	require.NoError(t, err)
	require.Equal(t, `R!5:"e"`, string(b))
}

func TestDecodeErrors(t *testing.T) {
	var cases = []struct {
		frame  string
		expect string
	}{
		{"", "empty frame"},
		{"X1:{}", `invalid message type tag 'X'`},
		{"C0:{}", "request id must be positive"},
		{"C-1:{}", `invalid request id "-1"`},
		{"C", `invalid request id ""`},
		{"Cabc", `invalid request id "abc"`},
		{"R!5", "error frame without payload"},
		{"C+", `invalid request id ""`},
	}
	for _, tc := range cases {
		var _, err = Decode([]byte(tc.frame))
		require.EqualError(t, err, tc.expect, "frame %q", tc.frame)
	}
}

func TestEncodeValidation(t *testing.T) {
	// Case: unknown message type.
	var _, err = Encode(Message{MType: 'Z', ReqID: 1})
	require.EqualError(t, err, `invalid message type 'Z'`)

	// Case: zero request id.
	_, err = Encode(Message{MType: Call})
	require.EqualError(t, err, "message reqId must be positive")

	// Case: more than one flag.
	_, err = Encode(Message{MType: Call, ReqID: 1, More: true, Abort: true})
	require.EqualError(t, err, "message sets more than one flag")

	// Case: both data and error payloads.
	_, err = Encode(Message{MType: Resp, ReqID: 1,
		Data: json.RawMessage(`1`), Error: json.RawMessage(`2`)})
	require.EqualError(t, err, "message sets both data and error")
}
