// Package wire implements the Framed Transport component (B): the
// length-prefixed, channel-tagged framing every bridge connection speaks,
// and the Transport capability built on top of it.
//
// Wire format: a 4-byte big-endian length, followed by that many bytes of
// "<channel>\n<payload>". An empty channel marks a control frame (the
// payload is then a JSON control message addressed to channel "" rather
// than to any open Channel). This is grounded in the framing idiom shared
// by the pack's stream multiplexers (smux, muxado), adapted to the spec's
// exact header shape rather than their binary stream-id header.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload to defend against a
// malicious or broken peer claiming an enormous length prefix.
const MaxFrameSize = 32 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the declared length exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Frame is one length-prefixed unit on the wire.
type Frame struct {
	Channel string // "" for a control frame
	Payload []byte
}

// IsControl reports whether f is addressed to the control channel.
func (f Frame) IsControl() bool {
	return f.Channel == ""
}

// Encode serializes f into the wire's length-prefixed form.
func Encode(f Frame) []byte {
	body := make([]byte, 0, len(f.Channel)+1+len(f.Payload))
	body = append(body, f.Channel...)
	body = append(body, '\n')
	body = append(body, f.Payload...)

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// ReadFrame reads one frame from r, blocking until the full frame (or an
// error) arrives.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	nl := bytes.IndexByte(body, '\n')
	if nl < 0 {
		return Frame{}, fmt.Errorf("wire: frame missing channel delimiter")
	}

	return Frame{
		Channel: string(body[:nl]),
		Payload: body[nl+1:],
	}, nil
}
