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
	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// TransactionType distinguishes the kinds of request a Transaction can
// carry (§3).
type TransactionType int

const (
	OtherKind TransactionType = iota
	CommandKind
	InjectKind
	ExtractKind
)

// SendHook is invoked once per DoIO tick, after sinks and sources have
// done their I/O but before sources are purged, so it can observe a
// source's read-EOF and decide to emit a terminating status (§4.3,
// §4.4).
type SendHook func(t *Transaction)

// RecvHook handles a packet that matched neither an existing sink nor
// the "EOF with a write_eof_cb sink" special case (§4.4 step 4).
type RecvHook func(t *Transaction, h Header, payload []byte) error

// Transaction is a per-request state machine: it owns its channel list,
// holds a non-owning reference to the link socket, and enforces the
// two-word terminal status protocol (§3, §4.4).
type Transaction struct {
	id      uint16 // xid
	kind    TransactionType
	variant HeaderVariant

	clientSock *Socket // non-owning (§3, §5)

	sinks   []*Channel
	sources []*Channel
	gen     uint32

	majorSent bool
	minorSent bool
	done      bool

	sendHook SendHook
	recvHook RecvHook
}

// NewTransaction creates a transaction bound to id and kind, sharing
// link (the connection's link socket, never owned or closed by the
// transaction — §5's resource policy).
func NewTransaction(id uint16, kind TransactionType, link *Socket, variant HeaderVariant) *Transaction {
	return &Transaction{
		id:         id,
		kind:       kind,
		variant:    variant,
		clientSock: link,
	}
}

// ID returns the transaction's xid.
func (t *Transaction) ID() uint16 { return t.id }

// Kind returns the transaction's type.
func (t *Transaction) Kind() TransactionType { return t.kind }

// Done reports whether the transaction has finished: its status words
// have been sent, or SendTimeout has sent a TIMEOUT packet.
func (t *Transaction) Done() bool { return t.done }

// SetSendHook installs the per-tick send hook.
func (t *Transaction) SetSendHook(h SendHook) { t.sendHook = h }

// SetRecvHook installs the fallback packet-routing hook.
func (t *Transaction) SetRecvHook(h RecvHook) { t.recvHook = h }

func (t *Transaction) fields() logFields {
	return logFields{xid: t.id}
}

// AttachLocalSink puts fd into non-blocking mode and adds a new Sink
// channel with the given id (§4.4). The returned handle is non-owning;
// ownership of the channel stays with the transaction.
func (t *Transaction) AttachLocalSink(fd int, id byte, maxPacket int) (ChannelHandle, error) {
	ch, err := newChannel(fd, id, Sink, t.variant, maxPacket)
	if err != nil {
		return ChannelHandle{}, err
	}
	t.gen++
	ch.generation = t.gen
	t.sinks = append(t.sinks, ch)
	return ChannelHandle{generation: ch.generation}, nil
}

// AttachLocalSource puts fd into non-blocking mode and adds a new
// Source channel with the given id.
func (t *Transaction) AttachLocalSource(fd int, id byte, maxPacket int) (ChannelHandle, error) {
	ch, err := newChannel(fd, id, Source, t.variant, maxPacket)
	if err != nil {
		return ChannelHandle{}, err
	}
	t.gen++
	ch.generation = t.gen
	t.sources = append(t.sources, ch)
	return ChannelHandle{generation: ch.generation}, nil
}

// Resolve looks up the live Channel behind a handle returned by
// AttachLocalSink/AttachLocalSource by matching the channel's
// generation in a linear scan of the sinks and sources; the handle
// carries no slice index, since CloseSink/CloseSource compact their
// slice in place (closeChannels). Resolve returns ErrStaleHandle once
// the generation the handle was issued for is no longer attached to
// anything live.
func (t *Transaction) Resolve(h ChannelHandle) (*Channel, error) {
	if ch := findByGeneration(t.sinks, h.generation); ch != nil {
		return ch, nil
	}
	if ch := findByGeneration(t.sources, h.generation); ch != nil {
		return ch, nil
	}
	return nil, errors.Wrapf(ErrStaleHandle, "channel handle generation %d is no longer live", h.generation)
}

func findByGeneration(list []*Channel, generation uint32) *Channel {
	for _, c := range list {
		if c.generation == generation {
			return c
		}
	}
	return nil
}

// findSink and findSource are the linear scans §3/§9 call for: "lookup
// by id is linear scan", storage is a slice (not a linked list) but
// traversal stays linear as specified.
func (t *Transaction) findSink(id byte) *Channel {
	for _, c := range t.sinks {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (t *Transaction) findSource(id byte) *Channel {
	for _, c := range t.sources {
		if c.id == id {
			return c
		}
	}
	return nil
}

// CloseSink removes and frees all sinks with the given id, or every
// sink if id == 0 (§4.4).
func (t *Transaction) CloseSink(id byte) {
	t.sinks = closeChannels(t.sinks, id)
}

// CloseSource removes and frees all sources with the given id, or every
// source if id == 0.
func (t *Transaction) CloseSource(id byte) {
	t.sources = closeChannels(t.sources, id)
}

func closeChannels(list []*Channel, id byte) []*Channel {
	kept := list[:0]
	for _, c := range list {
		if id == 0 || c.id == id {
			c.close()
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// FillPoll asks each sink, then (only if the link socket's send queue
// has room — the backpressure gate) each source, to contribute a pollfd,
// appending each to pfds (§4.4). There is no cap on how many pollfds
// are appended.
func (t *Transaction) FillPoll(pfds []unix.PollFd, highWater int) []unix.PollFd {
	for _, c := range t.sinks {
		var pfd unix.PollFd
		if c.Poll(&pfd) {
			pfds = append(pfds, pfd)
		}
	}
	if t.clientSock.XmitQueueAllowed(highWater) {
		for _, c := range t.sources {
			var pfd unix.PollFd
			if c.Poll(&pfd) {
				pfds = append(pfds, pfd)
			}
		}
	}
	return pfds
}

// DoIO drives one I/O round: sinks, then sources, purging sinks
// immediately but sources only after the send hook runs (§4.3's "Purge
// sweep" ordering requirement, §4.4).
func (t *Transaction) DoIO() {
	for _, c := range t.sinks {
		c.doIO(t)
	}
	t.sinks = purgeDead(t.sinks)

	for _, c := range t.sources {
		c.doIO(t)
	}

	if t.sendHook != nil {
		t.sendHook(t)
	}

	t.sources = purgeDead(t.sources)
}

func purgeDead(list []*Channel) []*Channel {
	kept := list[:0]
	for _, c := range list {
		if c.IsDead() {
			log.WithFields(logFields{channel: c.id}.asLogrus()).Debug("mux: purging dead channel")
			c.close()
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// RecvPacket routes an inbound packet per §4.4's five-step policy.
func (t *Transaction) RecvPacket(h Header, payload []byte) error {
	if t.done {
		// Late packet: drop silently (§4.4, §7, §8).
		return nil
	}

	if sink := t.findSink(h.Type); sink != nil {
		if err := sink.WriteData(payload); err != nil {
			t.fail(StatusEPROTO)
			return err
		}
		return nil
	}

	if h.Type == TypeEOF {
		for _, sink := range t.sinks {
			// write_eof_cb is modeled as a one-shot EOFCallback; "at
			// least one sink with a write_eof_cb" per §4.4 step 3.
			if sink.writeEOFCB != nil {
				return sink.WriteEOF()
			}
		}
	}

	if t.recvHook != nil {
		return t.recvHook(t, h, payload)
	}

	log.WithFields(t.fields().asLogrus()).Warnf("mux: unexpected packet type %q, no sink/hook", h.Type)
	t.fail(StatusEPROTO)
	return errors.Wrapf(ErrInvalidPacket, "unexpected packet type %q", h.Type)
}

// SendMajor builds and enqueues a uint packet of type 'M'. Calling it
// twice is an invariant violation (§4.4): a bug-by-contract trap, since
// it indicates duplicate termination attempts by the caller.
func (t *Transaction) SendMajor(code int) {
	if t.majorSent {
		violateInvariant("send_major called twice", t.fields())
		return
	}
	t.enqueueStatus(TypeMajor, code)
	t.majorSent = true
}

// SendMinor builds and enqueues a uint packet of type 'm'.
func (t *Transaction) SendMinor(code int) {
	if t.minorSent {
		violateInvariant("send_minor called twice", t.fields())
		return
	}
	t.enqueueStatus(TypeMinor, code)
	t.minorSent = true
}

// SendRequest sends a client-originated packet of the given type on
// this transaction's xid (e.g. a command/inject/extract request, or a
// bare quit packet with no payload) — the outbound counterpart to
// SendMajor/SendMinor, which only ever carry server-side status words.
// Unlike the status sends it carries no "only once" invariant: a
// caller may send as many request packets as the protocol for its
// TransactionType calls for (§4.2, §4.4).
func (t *Transaction) SendRequest(typ byte, payload []byte) error {
	if t.done {
		return errors.Wrap(ErrInvalidPacket, "mux: SendRequest called on a done transaction")
	}
	return t.clientSock.SendFramed(t.variant, typ, t.id, payload)
}

func (t *Transaction) enqueueStatus(typ byte, code int) {
	if err := t.clientSock.SendFramed(t.variant, typ, t.id, decimalNul(code)); err != nil {
		log.WithFields(t.fields().asLogrus()).WithError(err).Error("mux: failed to send status packet")
	}
}

// SendStatus enqueues whichever of major and minor has not been sent
// yet and marks the transaction done. Calling it twice is logged and ignored, not aborted, "because
// higher layers sometimes race" (§4.4).
func (t *Transaction) SendStatus(major, minor int) {
	if t.done {
		log.WithFields(t.fields().asLogrus()).Error("mux: SendStatus called after done; ignoring")
		return
	}
	if !t.majorSent {
		t.enqueueStatus(TypeMajor, major)
		t.majorSent = true
	}
	if !t.minorSent {
		t.enqueueStatus(TypeMinor, minor)
		t.minorSent = true
	}
	t.done = true
}

// fail is the internal counterpart of Fail, used by channels and the
// connection poll loop when an I/O or protocol error occurs.
func (t *Transaction) fail(errno int) {
	if t.done {
		return
	}
	t.done = true
	switch {
	case !t.majorSent && !t.minorSent:
		t.enqueueStatus(TypeMajor, errno)
		t.majorSent = true
		t.enqueueStatus(TypeMinor, errno)
		t.minorSent = true
	case !t.majorSent:
		t.enqueueStatus(TypeMajor, errno)
		t.majorSent = true
	case !t.minorSent:
		t.enqueueStatus(TypeMinor, errno)
		t.minorSent = true
	default:
		// Both already sent: the transaction lifecycle has been
		// violated by the caller (§4.4).
		violateInvariant("fail() called after both major and minor already sent", t.fields())
	}
}

// Fail is the exported form of fail (§4.4, §7's "Link I/O error" /
// "Protocol violation" policies).
func (t *Transaction) Fail(errno int) { t.fail(errno) }

// Fail2 unconditionally sends both words and marks done, regardless of
// what was already sent (§4.4).
func (t *Transaction) Fail2(major, minor int) {
	t.done = true
	t.enqueueStatus(TypeMajor, major)
	t.majorSent = true
	t.enqueueStatus(TypeMinor, minor)
	t.minorSent = true
}

// SendTimeout builds a bare TIMEOUT packet (no payload) and marks the
// transaction done (§4.4, §6, §8 scenario 4).
func (t *Transaction) SendTimeout() {
	if t.done {
		return
	}
	_ = t.clientSock.SendFramed(t.variant, TypeTimeout, t.id, nil)
	t.done = true
}

// drainedToLink reports whether every packet this transaction has
// enqueued has left the link socket's send queue, the condition
// connection.go's purge step (§4.5 step 5) waits for before forgetting
// a done transaction. Since Transaction shares the link's send queue
// with every other transaction, this is necessarily an approximation:
// it is exact only when XmitQueueBytes() reaches zero for the whole
// link, which is what §4.5 actually specifies.
func (t *Transaction) drainedToLink() bool {
	return t.done && t.clientSock.XmitQueueBytes() == 0
}
