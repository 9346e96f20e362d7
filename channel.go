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
	"errors"

	"golang.org/x/sys/unix"
)

// ChannelDirection is Sink (we write to the local fd) or Source (we
// read from it) (§3).
type ChannelDirection int

const (
	Sink ChannelDirection = iota
	Source
)

// EOFCallback is a one-shot event consumed on fire (§9: "model them as
// an option-of-callback consumed on fire, not as always-registered
// observers").
type EOFCallback func()

// ChannelHandle is a stable reference to a Channel: a generation
// counter assigned at attach time, resolved back to a live *Channel
// via Transaction.Resolve, which rejects a handle whose generation no
// longer matches anything in the sink/source lists (§9's supplemented
// "stable channel handles"). Deliberately carries no slice index: both
// CloseSink and CloseSource compact their list in place, so any index
// captured at attach time can silently come to name a different
// channel the moment an earlier entry is purged — generation is the
// only part of the handle that stays meaningful across a purge sweep.
type ChannelHandle struct {
	generation uint32
}

// Channel is the adaptor between a local fd and a link packet type: a
// Sink writes received payload to the fd, a Source reads from the fd and
// forwards chunks as packets (§3, §4.3).
type Channel struct {
	id         byte
	direction  ChannelDirection
	socket     *Socket
	plugged    bool
	generation uint32

	readEOFCB  EOFCallback
	writeEOFCB EOFCallback

	maxPacket int
	variant   HeaderVariant
}

// newChannel wraps fd as a Channel of the given direction and id. The fd
// is put in non-blocking mode by NewSocket, per §6's local descriptor
// contract.
func newChannel(fd int, id byte, dir ChannelDirection, variant HeaderVariant, maxPacket int) (*Channel, error) {
	flags := ReadOnly
	if dir == Sink {
		flags = WriteOnly
	}
	sock, err := NewSocket(fd, flags)
	if err != nil {
		return nil, err
	}
	return &Channel{
		id:        id,
		direction: dir,
		socket:    sock,
		maxPacket: maxPacket,
		variant:   variant,
	}, nil
}

// ID returns the channel's packet-type byte (§4.3).
func (c *Channel) ID() byte { return c.id }

// Direction reports Sink or Source.
func (c *Channel) Direction() ChannelDirection { return c.direction }

// IsDead reports whether the channel's socket has died, the condition
// the purge sweep checks for (§4.3's "Purge sweep").
func (c *Channel) IsDead() bool {
	return c.socket == nil || c.socket.IsDead()
}

// SetPlugged withholds a source from polling until unplugged, used by
// inject clients to defer file reads until the server signals readiness
// with major=0 (§3's "Plugged source").
func (c *Channel) SetPlugged(v bool) { c.plugged = v }

// Plugged reports the current plugged state.
func (c *Channel) Plugged() bool { return c.plugged }

// OnReadEOF installs a one-shot callback fired when this source's
// underlying fd reaches EOF.
func (c *Channel) OnReadEOF(cb EOFCallback) { c.readEOFCB = cb }

// OnWriteEOF installs a one-shot callback fired after this sink is
// shut down for writing.
func (c *Channel) OnWriteEOF(cb EOFCallback) { c.writeEOFCB = cb }

// WriteData clones payload into the sink socket's send queue. If the
// socket has been cleared (detached), the call silently discards the
// payload and returns success (§8's "Sink drop on missing socket").
func (c *Channel) WriteData(payload []byte) error {
	if c.socket == nil {
		return nil
	}
	c.socket.XmitShared(payload)
	return nil
}

// Flush drains the sink socket's send queue synchronously.
func (c *Channel) Flush() error {
	if c.socket == nil {
		return nil
	}
	return c.socket.Flush()
}

// WriteEOF shuts down the sink socket for writing and fires its
// write-EOF callback at most once, then clears it (§4.3).
func (c *Channel) WriteEOF() error {
	if c.socket == nil {
		return nil
	}
	err := c.socket.ShutdownWrite()
	if cb := c.writeEOFCB; cb != nil {
		c.writeEOFCB = nil
		cb()
	}
	return err
}

// Poll fills pfd for this channel's socket if it should participate in
// the next poll(2) call. A plugged source never posts a recv buffer, so
// it never contributes a pollfd until unplugged (§3, §4.3).
func (c *Channel) Poll(pfd *unix.PollFd) bool {
	if c.socket == nil {
		return false
	}
	if c.direction == Source && !c.plugged && !c.socket.IsReadEOF() && c.socket.GetRecvBuf() == nil {
		c.socket.PostRecvBuf(NewBuffer(c.maxPacket))
		c.socket.GetRecvBuf().ReserveHead(c.headerSize())
	}
	return c.socket.FillPoll(pfd)
}

func (c *Channel) headerSize() int {
	if c.variant == HeaderExtended {
		return extendedHeaderSize
	}
	return basicHeaderSize
}

// doIO performs the channel's socket I/O and, for a Source whose recv
// buffer is now full or at read-EOF, frames it as a packet of
// type=channel.id and enqueues it onto trans's link socket (§4.3).
// Fatal I/O errors mark the socket dead and call trans.fail(errno).
func (c *Channel) doIO(trans *Transaction) {
	if c.socket == nil || c.socket.IsDead() {
		return
	}

	// failIO reports a fatal socket error to trans with the errno that
	// caused it, or EPROTO when the error carries no errno.
	failIO := func(err error) {
		status := StatusEPROTO
		var errno unix.Errno
		if errors.As(err, &errno) {
			status = int(errno)
		}
		trans.fail(status)
	}

	if c.direction == Sink {
		if err := c.socket.DoIO(c.maxPacket); err != nil {
			failIO(err)
		}
		return
	}

	// Source: read into the recv buffer, watch for either "full" (the
	// payload region, capacity maxPacket minus the reserved header, is
	// saturated) or read-EOF. The buffer's live region (head..tail)
	// already excludes the reserved header bytes, so the threshold here
	// must be against the payload budget, not the total packet size.
	if c.plugged {
		return
	}
	payloadBudget := c.maxPacket - c.headerSize()
	if err := c.socket.DoIO(payloadBudget); err != nil {
		failIO(err)
		return
	}

	buf := c.socket.GetRecvBuf()
	if buf == nil {
		return
	}
	full := buf.Count() >= payloadBudget
	eof := c.socket.IsReadEOF()
	if !full && !eof {
		return
	}

	taken := c.socket.TakeRecvBuf()
	payload := taken.Bytes()

	if len(payload) > 0 {
		if err := trans.clientSock.SendFramed(c.variant, c.id, trans.id, payload); err != nil {
			trans.fail(StatusEPROTO)
			return
		}
	}

	if eof {
		_ = trans.clientSock.SendFramed(c.variant, TypeEOF, trans.id, nil)
		if cb := c.readEOFCB; cb != nil {
			c.readEOFCB = nil
			cb()
		}
		return
	}

	// Not EOF but full: re-post a fresh buffer so the next tick keeps
	// reading (a source holds at most one posted recv buffer at a time).
	c.socket.PostRecvBuf(NewBuffer(c.maxPacket))
	c.socket.GetRecvBuf().ReserveHead(c.headerSize())
}

// close releases the channel's socket.
func (c *Channel) close() {
	if c.socket != nil {
		_ = c.socket.Close()
		c.socket = nil
	}
}
