// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package mux

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Packet type bytes (§6).
const (
	TypeCommand byte = 'c' // command request
	TypeInject  byte = 'i' // inject request
	TypeExtract byte = 'e' // extract request
	TypeQuit    byte = 'q' // quit server
	TypeIntr    byte = 'I' // interrupt
	TypeStdin   byte = '0' // stdin data
	TypeStdout  byte = '1' // stdout data
	TypeStderr  byte = '2' // stderr data
	TypeFileD   byte = 'd' // file data chunk
	TypeFileS   byte = 's' // file size reply
	TypeEOF     byte = 'E' // EOF on a stream
	TypeMajor   byte = 'M' // major status
	TypeMinor   byte = 'm' // minor status
	TypeTimeout byte = 'T' // timeout notification
)

const (
	basicHeaderSize    = 4
	extendedHeaderSize = 6
)

// Header is the fixed portion of every packet: type, pad, big-endian
// length, and (for the extended variant) a big-endian xid (§3, §4.2).
type Header struct {
	Type    byte
	Len     uint16 // total packet length, header included
	Xid     uint16 // only meaningful when Variant == HeaderExtended
	Variant HeaderVariant
}

// Size returns the on-wire size of h's header (4 or 6 bytes).
func (h Header) Size() int {
	if h.Variant == HeaderExtended {
		return extendedHeaderSize
	}
	return basicHeaderSize
}

// encode writes h into dst, which must be at least h.Size() bytes.
func (h Header) encode(dst []byte) {
	dst[0] = h.Type
	dst[1] = 0
	binary.BigEndian.PutUint16(dst[2:4], h.Len)
	if h.Variant == HeaderExtended {
		binary.BigEndian.PutUint16(dst[4:6], h.Xid)
	}
}

// ParseHeader decodes the fixed header from buf. The length field
// already includes the header (the _twopence_read_frame bound spec.md
// §9 calls out): it is rejected when smaller than the header size or
// larger than the 65535-byte wire maximum. A link's negotiated
// MaxPacketSize is checked by the caller (Connection.pumpLinkRecv), not
// here. buf must contain at least the header's own size worth of bytes.
func ParseHeader(buf []byte, variant HeaderVariant) (Header, error) {
	hsz := basicHeaderSize
	if variant == HeaderExtended {
		hsz = extendedHeaderSize
	}
	if len(buf) < hsz {
		return Header{}, errors.Wrapf(ErrInvalidPacket, "short header: have %d want %d", len(buf), hsz)
	}
	h := Header{
		Type:    buf[0],
		Len:     binary.BigEndian.Uint16(buf[2:4]),
		Variant: variant,
	}
	if variant == HeaderExtended {
		h.Xid = binary.BigEndian.Uint16(buf[4:6])
	}
	if int(h.Len) < hsz || int(h.Len) > maxPacketLen {
		return Header{}, errors.Wrapf(ErrInvalidPacket, "length %d out of range [%d, %d]", h.Len, hsz, maxPacketLen)
	}
	return h, nil
}

// BuildPacket frames payload with a header of the given type/xid,
// returning a ready-to-send byte slice. Mirrors push_header_ps (§4.2):
// allocate header+payload, reserve head room, append payload, then
// write the header into the reserved room and rewind head over it.
func BuildPacket(variant HeaderVariant, typ byte, xid uint16, payload []byte) ([]byte, error) {
	hsz := basicHeaderSize
	if variant == HeaderExtended {
		hsz = extendedHeaderSize
	}
	total := hsz + len(payload)
	if total > maxPacketLen {
		return nil, errors.Wrapf(ErrInvalidPacket, "packet of %d bytes exceeds max %d", total, maxPacketLen)
	}

	buf := NewBuffer(total)
	buf.ReserveHead(hsz)
	buf.Append(payload)

	h := Header{Type: typ, Len: uint16(total), Xid: xid, Variant: variant}
	h.encode(buf.HeadPtr(hsz))
	buf.RewindHead(hsz)

	return buf.Take(), nil
}

// BuildUintPacket builds a packet whose payload is the decimal ASCII
// representation of v followed by a NUL, for historical compatibility
// with the wire format's 'M'/'m'/'s' packets (§4.2, §6).
func BuildUintPacket(variant HeaderVariant, typ byte, xid uint16, v int) ([]byte, error) {
	return BuildPacket(variant, typ, xid, decimalNul(v))
}

func decimalNul(v int) []byte {
	// Matches the historical wire representation: ASCII decimal, no
	// leading zeros, NUL terminated. v is always >= 0 for this core's
	// uses (errno-like codes, byte counts, file sizes).
	if v == 0 {
		return []byte{'0', 0}
	}
	var digits [20]byte
	i := len(digits)
	n := v
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	out := make([]byte, len(digits)-i+1)
	copy(out, digits[i:])
	out[len(out)-1] = 0
	return out
}

// ParseUintPayload parses the decimal-ASCII-plus-NUL payload used by the
// 'M'/'m'/'s' packet types back into an int.
func ParseUintPayload(payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, errors.Wrap(ErrInvalidPacket, "empty uint payload")
	}
	end := len(payload)
	if payload[end-1] == 0 {
		end--
	}
	if end == 0 {
		return 0, errors.Wrap(ErrInvalidPacket, "empty uint payload")
	}
	v := 0
	for _, c := range payload[:end] {
		if c < '0' || c > '9' {
			return 0, errors.Wrapf(ErrInvalidPacket, "non-digit %q in uint payload", c)
		}
		v = v*10 + int(c-'0')
	}
	return v, nil
}
