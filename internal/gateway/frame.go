// Package gateway streams live sessions to remote clients over websockets.
//
// Every message is a JSON text frame {"type": ..., "data": ...}. Clients
// send input, resize and ping frames; the gateway sends output, exit, error
// and pong frames. A connection is one consumer of one session: a newer
// connection to the same session takes over and the older one is closed.
package gateway

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/Iron-Ham/branchyard/internal/bridge"
	"github.com/Iron-Ham/branchyard/internal/errors"
)

// Frame types.
const (
	TypeInput  = "input"
	TypeResize = "resize"
	TypePing   = "ping"
	TypeOutput = "output"
	TypeExit   = "exit"
	TypeError  = "error"
	TypePong   = "pong"
)

// Frame is the envelope of every message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResizeData is the payload of a resize frame.
type ResizeData struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ExitData is the payload of an exit frame. Exactly one field is non-null.
type ExitData struct {
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// inbound is a decoded client frame.
type inbound struct {
	kind   string
	input  string
	resize ResizeData
}

func parseInbound(data []byte) (inbound, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return inbound{}, errors.NewValidationError("malformed frame")
	}

	in := inbound{kind: f.Type}
	switch f.Type {
	case TypeInput:
		if err := json.Unmarshal(f.Data, &in.input); err != nil {
			return inbound{}, errors.NewValidationError("input data must be a string").WithField("data")
		}
	case TypeResize:
		if err := json.Unmarshal(f.Data, &in.resize); err != nil {
			return inbound{}, errors.NewValidationError("resize data must be {cols, rows}").WithField("data")
		}
		if in.resize.Cols == 0 || in.resize.Rows == 0 {
			return inbound{}, errors.NewValidationError("resize needs positive cols and rows").WithField("data")
		}
	case TypePing:
	default:
		return inbound{}, errors.NewValidationError("unknown frame type").WithField("type").WithValue(f.Type)
	}
	return in, nil
}

func encode(kind string, data any) []byte {
	f := Frame{Type: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			raw = nil
		}
		f.Data = raw
	}
	out, _ := json.Marshal(f)
	return out
}

// outputFrame carries terminal output as a JSON string. Bytes that are not
// valid UTF-8 are lossy: encoding/json turns each into U+FFFD.
func outputFrame(p []byte) []byte { return encode(TypeOutput, string(p)) }

func exitFrame(e bridge.Exit) []byte {
	d := ExitData{Code: e.Code}
	if e.Signal != "" {
		sig := e.Signal
		d.Signal = &sig
	}
	return encode(TypeExit, d)
}

func errorFrame(msg string) []byte { return encode(TypeError, ErrorData{Message: msg}) }

func pongFrame() []byte { return encode(TypePong, nil) }

// utf8Carry holds back a multi-byte character split across two reads so
// output frames never contain a partial sequence.
type utf8Carry struct {
	pending []byte
}

// split returns the longest prefix of carry+p that does not end inside a
// UTF-8 sequence, keeping the remainder for the next call. Invalid bytes are
// not held back; outputFrame replaces them with U+FFFD.
func (c *utf8Carry) split(p []byte) []byte {
	buf := append(c.pending, p...)
	c.pending = nil

	// A sequence is at most utf8.UTFMax bytes, so only the tail can be cut.
	for i := 1; i < utf8.UTFMax && i <= len(buf); i++ {
		b := buf[len(buf)-i]
		if b < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(buf[len(buf)-i:]) {
				c.pending = append([]byte(nil), buf[len(buf)-i:]...)
				buf = buf[:len(buf)-i]
			}
			break
		}
	}
	return buf
}

// flush returns anything still held back.
func (c *utf8Carry) flush() []byte {
	p := c.pending
	c.pending = nil
	return p
}
