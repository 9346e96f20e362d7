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
	"github.com/pkg/errors"
	"github.com/sagernet/sing/common/bufio"
	"golang.org/x/sys/unix"
)

// SocketFlags mirror the open mode a Socket was created with (§4.1).
type SocketFlags int

const (
	ReadOnly SocketFlags = iota
	WriteOnly
	ReadWrite
)

// Socket is a non-blocking file descriptor with a single posted receive
// buffer and a FIFO send queue of buffers (§3, §4.1). It tracks
// read/write EOF and dead state, and never blocks: DoIO performs a
// round of non-blocking reads and/or a round of writes per call.
type Socket struct {
	fd    int
	flags SocketFlags

	recvBuf   *Buffer
	recvReady bool // true once recvBuf has filled to DoIO's maxPacket bound or read-EOF fired

	sendQueue    [][]byte
	sendQueueLen int

	readEOF  bool
	writeEOF bool
	dead     bool
	lastErr  error
}

// rawWriter adapts a raw fd to io.Writer so bufio.CreateVectorisedWriter
// can probe it for scatter-gather support, the same way the teacher
// probes s.conn in sendLoop.
type rawWriter struct{ fd int }

func (w rawWriter) Write(p []byte) (int, error) {
	n, err := unix.Write(w.fd, p)
	if err != nil {
		return n, err
	}
	return n, nil
}

// NewSocket takes ownership of fd (already assumed open) and puts it in
// non-blocking mode (§6's "local descriptor contract").
func NewSocket(fd int, flags SocketFlags) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Wrap(err, "mux: Socket: set non-blocking")
	}
	s := &Socket{fd: fd, flags: flags}
	if flags == WriteOnly {
		// A write-only sink never posts a recv buffer and is considered
		// read-EOF immediately (§4.3's "Local sink" contract).
		s.readEOF = true
	}
	return s, nil
}

// Fd returns the underlying descriptor, for poll(2) registration.
func (s *Socket) Fd() int { return s.fd }

// PostRecvBuf installs buf as the socket's single posted receive buffer.
// At most one may be posted at a time (§4.1).
func (s *Socket) PostRecvBuf(buf *Buffer) {
	s.recvBuf = buf
	s.recvReady = false
}

// GetRecvBuf returns the currently posted recv buffer, if any.
func (s *Socket) GetRecvBuf() *Buffer {
	return s.recvBuf
}

// TakeRecvBuf hands back and clears the posted recv buffer.
func (s *Socket) TakeRecvBuf() *Buffer {
	b := s.recvBuf
	s.recvBuf = nil
	s.recvReady = false
	return b
}

// RecvReady reports whether the posted recv buffer is considered
// complete: read-EOF fired (payload forwarded as-is per §4.1) or the
// buffer has filled to the maxPacket bound passed to DoIO. DoIO sets
// this; PostRecvBuf and TakeRecvBuf clear it.
func (s *Socket) RecvReady() bool { return s.recvReady }

// QueueXmit appends buf to the FIFO send queue, taking ownership of it.
func (s *Socket) QueueXmit(buf []byte) {
	s.sendQueue = append(s.sendQueue, buf)
	s.sendQueueLen += len(buf)
}

// XmitShared clones buf before queueing it, for transient (stack-owned)
// buffers the caller will reuse (§4.1).
func (s *Socket) XmitShared(buf []byte) {
	clone := make([]byte, len(buf))
	copy(clone, buf)
	s.QueueXmit(clone)
}

// XmitQueueBytes reports the total bytes currently queued to send.
func (s *Socket) XmitQueueBytes() int { return s.sendQueueLen }

// XmitQueueAllowed is the backpressure gate (§5, §8): false once queued
// bytes reach highWater.
func (s *Socket) XmitQueueAllowed(highWater int) bool {
	return s.sendQueueLen < highWater
}

// FillPoll populates events for pfd: POLLIN if a recv buffer is posted
// and not read-EOF, POLLOUT if the send queue is non-empty and not
// write-EOF (§4.1). Returns false (pfd left zeroed) if the socket has
// nothing to contribute.
func (s *Socket) FillPoll(pfd *unix.PollFd) bool {
	var events int16
	if s.recvBuf != nil && !s.readEOF {
		events |= unix.POLLIN
	}
	if len(s.sendQueue) > 0 && !s.writeEOF {
		events |= unix.POLLOUT
	}
	if events == 0 {
		return false
	}
	pfd.Fd = int32(s.fd)
	pfd.Events = events
	return true
}

// DoIO reads into the posted recv buffer until the read would block,
// the buffer reaches maxPacket bytes, or read-EOF, and/or performs one
// round of writes from the send queue. maxPacket bounds how large a
// single read into an as-yet-unframed recv buffer may grow; the caller
// (channel.go) is responsible for recognizing "packet complete" for
// framed sources, doIO only fills bytes and flags read-EOF.
func (s *Socket) DoIO(maxPacket int) error {
	if s.dead {
		return errors.Wrap(ErrLinkClosed, "mux: Socket.DoIO on dead socket")
	}
	if err := s.doRead(maxPacket); err != nil {
		s.MarkDead(err)
		return err
	}
	if err := s.doWrite(); err != nil {
		s.MarkDead(err)
		return err
	}
	return nil
}

func (s *Socket) doRead(maxPacket int) error {
	if s.recvBuf == nil || s.readEOF {
		return nil
	}
	for {
		room := maxPacket - s.recvBuf.Count()
		if room <= 0 {
			s.recvReady = true
			return nil
		}
		scratch := make([]byte, room)
		n, err := unix.Read(s.fd, scratch)
		if n > 0 {
			s.recvBuf.Append(scratch[:n])
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "mux: Socket read")
		}
		if n == 0 {
			s.readEOF = true
			s.recvReady = true
			return nil
		}
	}
}

// Flush drains the send queue synchronously, looping doWrite until empty
// or error (§4.3's Channel.flush, built on top of the same primitive).
func (s *Socket) Flush() error {
	for len(s.sendQueue) > 0 {
		if err := s.doWrite(); err != nil {
			s.MarkDead(err)
			return err
		}
	}
	return nil
}

func (s *Socket) doWrite() error {
	for len(s.sendQueue) > 0 {
		head := s.sendQueue[0]
		n, err := unix.Write(s.fd, head)
		if n > 0 {
			s.sendQueueLen -= n
			if n >= len(head) {
				s.sendQueue = s.sendQueue[1:]
			} else {
				s.sendQueue[0] = head[n:]
				return nil // short write, try again next tick
			}
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "mux: Socket write")
		}
	}
	return nil
}

// SendFramed is the production entry point every framed packet goes out
// through (channel.go's source packets and EOF, transaction.go's
// status/timeout packets): it builds the wire header for
// typ/xid/payload and, when the send queue is currently empty, attempts
// one scatter-gather syscall via the vectorised writer before falling
// back to the FIFO, exactly like the teacher's sendLoop (§4.2, §4.3).
func (s *Socket) SendFramed(variant HeaderVariant, typ byte, xid uint16, payload []byte) error {
	hsz := basicHeaderSize
	if variant == HeaderExtended {
		hsz = extendedHeaderSize
	}
	total := hsz + len(payload)
	if total > maxPacketLen {
		return errors.Wrapf(ErrInvalidPacket, "packet of %d bytes exceeds max %d", total, maxPacketLen)
	}

	combined := make([]byte, total)
	Header{Type: typ, Len: uint16(total), Xid: xid, Variant: variant}.encode(combined[:hsz])
	copy(combined[hsz:], payload)

	if len(s.sendQueue) == 0 && !s.writeEOF && !s.dead {
		n, err, attempted := s.writeFramed(combined[:hsz], combined[hsz:])
		if attempted {
			if err != nil && !isTransientIOErr(err) {
				s.MarkDead(errors.Wrap(err, "mux: Socket vectorised write"))
				return err
			}
			if n >= total {
				return nil
			}
			if n > 0 {
				combined = combined[n:]
			}
		}
	}
	s.QueueXmit(combined)
	return nil
}

// writeFramed writes a header+payload pair as one scatter-gather
// syscall when the underlying writer supports it, the same
// bufio.CreateVectorisedWriter/bufio.WriteVectorised pair the teacher's
// sendLoop probes s.conn with. attempted is false only when the writer
// offers no vectorised path at all, in which case the caller must
// queue the whole combined buffer itself; n counts bytes of the
// combined header+payload stream actually written, mirroring how the
// teacher's sendLoop treats n as spanning the whole vector before
// subtracting headerSize back out.
func (s *Socket) writeFramed(header, payload []byte) (n int, err error, attempted bool) {
	bw, ok := bufio.CreateVectorisedWriter(rawWriter{fd: s.fd})
	if !ok {
		return 0, nil, false
	}
	vec := [][]byte{header, payload}
	n, err = bufio.WriteVectorised(bw, vec)
	return n, err, true
}

func isTransientIOErr(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// ShutdownWrite half-closes the socket for writing (§4.3's write_eof).
func (s *Socket) ShutdownWrite() error {
	if s.writeEOF {
		return nil
	}
	s.writeEOF = true
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// MarkDead records a fatal error and flags the socket dead; callers must
// call transaction_fail per §4.1/§7's "Link I/O error" policy.
func (s *Socket) MarkDead(err error) {
	if s.dead {
		return
	}
	s.dead = true
	s.lastErr = err
}

// IsDead reports whether MarkDead has been called.
func (s *Socket) IsDead() bool { return s.dead }

// IsReadEOF reports whether the peer (or local close, for a sink) ended
// the read side.
func (s *Socket) IsReadEOF() bool { return s.readEOF }

// LastError returns the error that caused MarkDead, if any.
func (s *Socket) LastError() error { return s.lastErr }

// Close releases the underlying fd. The core never calls this on a
// shared link socket (§5's resource policy); it is only used by Channel
// sockets, which own their fd exclusively.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	return unix.Close(fd)
}
