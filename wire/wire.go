// Package wire implements the framed message codec of the RPC layer. A
// frame is `<mtype:1><flag?:1><reqId:ASCII digits>[':' <payload>]`: a
// one-byte message type, an optional one-byte flag, a positive decimal
// request id, and an optional opaque payload. Payloads are JSON; both
// peers of a connection agree on that serialization at construction.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// MType is the kind of a framed message.
type MType byte

// MType values, which double as their one-byte wire tags.
const (
	// Call is a request expecting a response.
	Call MType = 'C'
	// Signal is a fire-and-forget request.
	Signal MType = 'S'
	// Resp is the response to a Call.
	Resp MType = 'R'
)

// String returns a human-readable name of the MType.
func (t MType) String() string {
	switch t {
	case Call:
		return "Call"
	case Signal:
		return "Signal"
	case Resp:
		return "Resp"
	default:
		return "MType(" + strconv.Itoa(int(t)) + ")"
	}
}

// Flag bytes of the frame format. At most one flag is present.
const (
	flagError byte = '!' // The payload is an error.
	flagMore  byte = '+' // Further frames follow on this request id.
	flagAbort byte = '#' // The sender aborts this request id.
)

// Message is one framed message of the RPC layer. Exactly one of Data and
// Error may be set; a set Error terminates any streaming sequence open on
// the same request id.
type Message struct {
	MType MType
	ReqID uint64
	More  bool
	Abort bool
	Data  json.RawMessage
	Error json.RawMessage
}

// Validate returns an error if the Message cannot be framed.
func (m Message) Validate() error {
	switch m.MType {
	case Call, Signal, Resp:
		// Pass.
	default:
		return errors.Errorf("invalid message type %q", byte(m.MType))
	}
	if m.ReqID == 0 {
		return errors.New("message reqId must be positive")
	}
	var flags = 0
	if m.Error != nil {
		flags++
	}
	if m.More {
		flags++
	}
	if m.Abort {
		flags++
	}
	if flags > 1 {
		return errors.New("message sets more than one flag")
	}
	if m.Error != nil && m.Data != nil {
		return errors.New("message sets both data and error")
	}
	return nil
}

// Encode frames the Message to bytes.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = append(b, byte(m.MType))
	switch {
	case m.Error != nil:
		b = append(b, flagError)
	case m.Abort:
		b = append(b, flagAbort)
	case m.More:
		b = append(b, flagMore)
	}
	b = strconv.AppendUint(b, m.ReqID, 10)

	if m.Error != nil {
		b = append(b, ':')
		b = append(b, m.Error...)
	} else if m.Data != nil {
		b = append(b, ':')
		b = append(b, m.Data...)
	}
	return b, nil
}

// Decode parses a framed Message from bytes. It is the inverse of Encode:
// Decode(Encode(m)) == m for every valid Message.
func Decode(b []byte) (Message, error) {
	var m Message
	if len(b) == 0 {
		return m, errors.New("empty frame")
	}
	switch MType(b[0]) {
	case Call, Signal, Resp:
		m.MType = MType(b[0])
	default:
		return m, errors.Errorf("invalid message type tag %q", b[0])
	}
	b = b[1:]

	var isErr bool
	if len(b) != 0 {
		switch b[0] {
		case flagError:
			isErr, b = true, b[1:]
		case flagMore:
			m.More, b = true, b[1:]
		case flagAbort:
			m.Abort, b = true, b[1:]
		}
	}

	var sep = bytes.IndexByte(b, ':')
	var digits []byte
	var payload json.RawMessage
	if sep == -1 {
		digits = b
	} else {
		digits = b[:sep]
		payload = append(json.RawMessage{}, b[sep+1:]...)
	}
	var reqID, err = strconv.ParseUint(string(digits), 10, 64)
	if err != nil {
		return m, errors.Errorf("invalid request id %q", string(digits))
	} else if reqID == 0 {
		return m, errors.New("request id must be positive")
	}
	m.ReqID = reqID

	if isErr {
		if payload == nil {
			return m, errors.New("error frame without payload")
		}
		m.Error = payload
	} else {
		m.Data = payload
	}
	return m, nil
}
