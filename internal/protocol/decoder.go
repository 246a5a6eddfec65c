package protocol

import (
	"encoding/binary"
	"fmt"
)

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// Notifications may split or merge frames, so bytes are accumulated across
// calls to Push. A Decoder is not safe for concurrent use.
type Decoder struct {
	maxPayload int
	buf        []byte
	resets     uint64
}

// NewDecoder creates a decoder that treats declared lengths above maxPayload
// as corruption. A non-positive maxPayload selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Push appends data to the accumulator and returns every complete frame.
// When a header declares a payload longer than the configured maximum the
// whole accumulator is dropped; frames decoded before that point are still
// returned together with an error wrapping ErrStreamCorrupt.
func (d *Decoder) Push(data []byte) ([]Frame, error) {
	if len(data) == 0 {
		return nil, nil
	}
	d.buf = append(d.buf, data...)

	var frames []Frame
	pos := 0
	for len(d.buf)-pos >= HeaderSize {
		hdr := d.buf[pos:]
		plen := int(binary.LittleEndian.Uint16(hdr[3:5]))

		if plen > d.maxPayload {
			dropped := len(d.buf)
			d.Reset()
			d.resets++
			return frames, fmt.Errorf("%w: declared length %d exceeds %d, dropped %d buffered bytes",
				ErrStreamCorrupt, plen, d.maxPayload, dropped)
		}

		size := HeaderSize + plen
		if len(hdr) < size {
			break
		}

		payload := make([]byte, plen)
		copy(payload, hdr[HeaderSize:size])
		frames = append(frames, Frame{
			Type:    FrameType(hdr[0]),
			Seq:     binary.LittleEndian.Uint16(hdr[1:3]),
			Payload: payload,
		})
		pos += size
	}

	d.compact(pos)
	return frames, nil
}

// compact drops consumed bytes
func (d *Decoder) compact(consumed int) {
	if consumed == 0 {
		return
	}
	if consumed == len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	n := copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:n]
}

// Reset discards any partially accumulated frame
func (d *Decoder) Reset() {
	d.buf = nil
}

// Buffered returns the number of bytes waiting for the rest of a frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Resets returns how many times corruption forced the accumulator to be dropped
func (d *Decoder) Resets() uint64 {
	return d.resets
}

// MaxPayload returns the configured payload ceiling
func (d *Decoder) MaxPayload() int {
	return d.maxPayload
}
