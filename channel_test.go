package mux

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func pipeFds(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

func TestChannelSinkWritesPayloadToLocalFD(t *testing.T) {
	r, w := pipeFds(t)

	ch, err := newChannel(int(w.Fd()), TypeStdin, Sink, HeaderExtended, 4096)
	if err != nil {
		t.Fatalf("newChannel: %v", err)
	}
	t.Cleanup(ch.close)

	if err := ch.WriteData([]byte("hello sink")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := ch.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	buf := make([]byte, len("hello sink"))
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(buf) != "hello sink" {
		t.Fatalf("got %q, want %q", buf, "hello sink")
	}
}

func TestChannelSinkDropsWhenDetached(t *testing.T) {
	ch := &Channel{id: TypeStdin, direction: Sink}
	if err := ch.WriteData([]byte("ignored")); err != nil {
		t.Fatalf("WriteData on detached sink returned error: %v", err)
	}
}

func TestChannelSourceEmitsFramedPacketWhenFull(t *testing.T) {
	r, w := pipeFds(t)

	const maxPacket = extendedHeaderSize + 2 // room for exactly 2 payload bytes
	ch, err := newChannel(int(r.Fd()), TypeStdout, Source, HeaderExtended, maxPacket)
	if err != nil {
		t.Fatalf("newChannel: %v", err)
	}
	t.Cleanup(ch.close)

	linkR, linkW := pipeFds(t)
	_ = linkR
	linkSock, err := NewSocket(int(linkW.Fd()), WriteOnly)
	if err != nil {
		t.Fatalf("NewSocket(link): %v", err)
	}
	trans := NewTransaction(7, CommandKind, linkSock, HeaderExtended)

	var pfd unix.PollFd
	if !ch.Poll(&pfd) {
		t.Fatal("Poll() returned false for a fresh unplugged source")
	}

	if _, err := w.Write([]byte("ab")); err != nil {
		t.Fatalf("write to pipe: %v", err)
	}

	ch.doIO(trans)

	if len(linkSock.sendQueue) != 1 {
		t.Fatalf("sendQueue len = %d, want 1", len(linkSock.sendQueue))
	}
	pkt := linkSock.sendQueue[0]
	hdr, err := ParseHeader(pkt, HeaderExtended)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Type != TypeStdout {
		t.Fatalf("Type = %q, want %q", hdr.Type, TypeStdout)
	}
	if hdr.Xid != 7 {
		t.Fatalf("Xid = %d, want 7", hdr.Xid)
	}
	payload := pkt[hdr.Size():]
	if string(payload) != "ab" {
		t.Fatalf("payload = %q, want %q", payload, "ab")
	}
}

func TestChannelSourceEmitsEOFPacketAndFiresCallback(t *testing.T) {
	r, w := pipeFds(t)

	ch, err := newChannel(int(r.Fd()), TypeFileD, Source, HeaderExtended, 4096)
	if err != nil {
		t.Fatalf("newChannel: %v", err)
	}
	t.Cleanup(ch.close)

	linkR, linkW := pipeFds(t)
	_ = linkR
	linkSock, err := NewSocket(int(linkW.Fd()), WriteOnly)
	if err != nil {
		t.Fatalf("NewSocket(link): %v", err)
	}
	trans := NewTransaction(3, InjectKind, linkSock, HeaderExtended)

	fired := false
	var pfd unix.PollFd
	ch.Poll(&pfd)
	ch.OnReadEOF(func() { fired = true })

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close() // EOF

	ch.doIO(trans)

	if len(linkSock.sendQueue) != 2 {
		t.Fatalf("sendQueue len = %d, want 2 (data + EOF)", len(linkSock.sendQueue))
	}

	dataHdr, err := ParseHeader(linkSock.sendQueue[0], HeaderExtended)
	if err != nil {
		t.Fatalf("ParseHeader(data): %v", err)
	}
	if dataHdr.Type != TypeFileD {
		t.Fatalf("first packet Type = %q, want %q", dataHdr.Type, TypeFileD)
	}
	if got := string(linkSock.sendQueue[0][dataHdr.Size():]); got != "hello" {
		t.Fatalf("data payload = %q, want %q", got, "hello")
	}

	eofHdr, err := ParseHeader(linkSock.sendQueue[1], HeaderExtended)
	if err != nil {
		t.Fatalf("ParseHeader(eof): %v", err)
	}
	if eofHdr.Type != TypeEOF {
		t.Fatalf("second packet Type = %q, want %q", eofHdr.Type, TypeEOF)
	}
	if !fired {
		t.Fatal("OnReadEOF callback was not fired")
	}
}

func TestChannelPluggedSourceNeverPolls(t *testing.T) {
	r, _ := pipeFds(t)

	ch, err := newChannel(int(r.Fd()), TypeFileD, Source, HeaderExtended, 4096)
	if err != nil {
		t.Fatalf("newChannel: %v", err)
	}
	t.Cleanup(ch.close)
	ch.SetPlugged(true)

	var pfd unix.PollFd
	if ch.Poll(&pfd) {
		t.Fatal("plugged source contributed a pollfd")
	}
}
