package mux

import (
	"bytes"
	"testing"
)

func TestBuildAndParseHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		variant HeaderVariant
	}{
		{"basic", HeaderBasic},
		{"extended", HeaderExtended},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pkt, err := BuildPacket(tc.variant, TypeCommand, 0x1234, []byte("hello"))
			if err != nil {
				t.Fatalf("BuildPacket: %v", err)
			}

			hdr, err := ParseHeader(pkt, tc.variant)
			if err != nil {
				t.Fatalf("ParseHeader: %v", err)
			}
			if hdr.Type != TypeCommand {
				t.Fatalf("Type = %q, want %q", hdr.Type, TypeCommand)
			}
			if int(hdr.Len) != len(pkt) {
				t.Fatalf("Len = %d, want %d", hdr.Len, len(pkt))
			}
			if tc.variant == HeaderExtended && hdr.Xid != 0x1234 {
				t.Fatalf("Xid = %#x, want %#x", hdr.Xid, 0x1234)
			}

			payload := pkt[hdr.Size():]
			if !bytes.Equal(payload, []byte("hello")) {
				t.Fatalf("payload = %q, want %q", payload, "hello")
			}
		})
	}
}

func TestParseHeaderRejectsShortHeader(t *testing.T) {
	if _, err := ParseHeader([]byte{'c', 0}, HeaderBasic); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestParseHeaderEnforcesLengthBounds(t *testing.T) {
	// Length field claims less than the header size itself: must be
	// rejected (this is the §9 _twopence_read_frame off-by-one, fixed
	// rather than reproduced).
	hdr := Header{Type: TypeCommand, Len: 3, Variant: HeaderBasic}
	buf := make([]byte, basicHeaderSize)
	hdr.encode(buf)

	if _, err := ParseHeader(buf, HeaderBasic); err == nil {
		t.Fatal("expected error for length field shorter than header size")
	}

	hdr2 := Header{Type: TypeCommand, Len: 65535, Variant: HeaderBasic}
	buf2 := make([]byte, basicHeaderSize)
	hdr2.encode(buf2)
	if _, err := ParseHeader(buf2, HeaderBasic); err != nil {
		t.Fatalf("max in-range length rejected: %v", err)
	}
}

func TestBuildPacketRejectsOversizedPayload(t *testing.T) {
	huge := make([]byte, maxPacketLen)
	if _, err := BuildPacket(HeaderBasic, TypeFileD, 0, huge); err == nil {
		t.Fatal("expected error for oversized packet")
	}
}

func TestUintPayloadRoundTrip(t *testing.T) {
	for _, v := range []int{0, 1, 42, 65535, 1 << 20} {
		pkt, err := BuildUintPacket(HeaderExtended, TypeMajor, 7, v)
		if err != nil {
			t.Fatalf("BuildUintPacket(%d): %v", v, err)
		}
		hdr, err := ParseHeader(pkt, HeaderExtended)
		if err != nil {
			t.Fatalf("ParseHeader: %v", err)
		}
		got, err := ParseUintPayload(pkt[hdr.Size():])
		if err != nil {
			t.Fatalf("ParseUintPayload(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	}
}

func TestParseUintPayloadRejectsNonDigits(t *testing.T) {
	if _, err := ParseUintPayload([]byte("12x\x00")); err == nil {
		t.Fatal("expected error for non-digit payload")
	}
}
