package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// DefaultMaxFrameSize is the frame-size ceiling applied unless a caller
// configures a tighter one.
const DefaultMaxFrameSize = 64 * 1024 * 1024 // 64 MiB

// MaxFrameSizeCeiling is the hard upper bound on any configured ceiling,
// the unsigned 32-bit maximum a length prefix can express.
const MaxFrameSizeCeiling = math.MaxUint32

// StaleWindow is how far a message's timestamp may drift from the local
// clock before it is rejected as stale.
const StaleWindow = 5 * time.Minute

// ReadFrame reads one length-prefixed frame from r, enforcing maxSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, NewError(KindProtocol, "read_frame_length", err)
	}
	if length > maxSize {
		return nil, NewError(KindProtocol, "read_frame_length", fmt.Errorf("frame length %d exceeds ceiling %d", length, maxSize))
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, NewError(KindProtocol, "read_frame_body", err)
	}
	return buf, nil
}

// WriteFrame writes data as one length-prefixed frame to w.
func WriteFrame(w io.Writer, data []byte) error {
	if uint64(len(data)) > MaxFrameSizeCeiling {
		return NewError(KindProtocol, "write_frame", fmt.Errorf("frame length %d exceeds protocol ceiling", len(data)))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return NewError(KindProtocol, "write_frame_length", err)
	}
	if _, err := w.Write(data); err != nil {
		return NewError(KindProtocol, "write_frame_body", err)
	}
	return nil
}

// ReadMessage reads one framed message from r and validates its shape,
// but does not verify its checksum or staleness window — callers decide
// when those checks apply (UDP discovery frames skip framing but still
// go through ParseMessage).
func ReadMessage(r io.Reader, maxSize uint32) (*Message, error) {
	body, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return ParseMessage(body)
}

// WriteMessage signs m and writes it as one framed message to w.
func WriteMessage(w io.Writer, m *Message) error {
	if err := m.Sign(); err != nil {
		return NewError(KindProtocol, "write_message", err)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return NewError(KindProtocol, "write_message", err)
	}
	return WriteFrame(w, body)
}

// ParseMessage decodes raw JSON into a Message and checks the required
// fields are present. It does not verify the checksum; call m.Verify()
// once the caller also wants integrity checking.
func ParseMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, NewError(KindProtocol, "parse_message", err)
	}
	if !m.RequiredFieldsPresent() {
		return nil, NewError(KindProtocol, "parse_message", fmt.Errorf("missing required field in message"))
	}
	return &m, nil
}

// CheckFresh rejects messages whose timestamp has drifted too far from
// the local clock. Clocks are assumed loosely synchronized; no vector or
// Lamport clock is used to order events across nodes.
func CheckFresh(m *Message, now time.Time) error {
	msgTime := time.Unix(0, int64(m.Timestamp*float64(time.Second)))
	drift := now.Sub(msgTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > StaleWindow {
		return NewError(KindStale, "check_fresh", fmt.Errorf("timestamp drift %s exceeds window %s", drift, StaleWindow))
	}
	return nil
}

// Now returns the current time as the float-seconds timestamp the wire
// schema uses.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
