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
	"context"
	"net"
	"time"

	"github.com/higebu/netfd"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// Link is the minimal surface Connection needs from a concrete link
// transport (§1, §5: virtio-serial, serial line, TCP, SSH, chroot are
// all out of scope here and implement this instead). A *net.Conn backed
// by TCP already satisfies it via netfdLink.
type Link interface {
	Fd() int
}

// netfdLink adapts a net.Conn to Link by pulling its raw fd via
// higebu/netfd, the same accessor used by the go-tcpinfo exporters in
// the reference pack to get a pollable/statable descriptor out of a
// net.Conn.
type netfdLink struct {
	conn net.Conn
}

// NewTCPLink wraps a TCP net.Conn as a Link.
func NewTCPLink(conn net.Conn) Link {
	return netfdLink{conn: conn}
}

func (l netfdLink) Fd() int { return netfd.GetFdFromConn(l.conn) }

// Connection is the L4 poll loop (§4.5): every tick it collects pollfds
// from every live transaction plus the link itself, polls, performs I/O,
// demultiplexes fully-received packets from the link to the owning
// transaction by xid, and purges transactions that are done and fully
// flushed.
type Connection struct {
	id   xid.ID
	cfg  *Config
	link *Socket

	recvAcc *Buffer // accumulates raw bytes read off the link (§4.5 step 4)

	transactions map[uint16]*Transaction
	nextXid      uint16

	metrics *transactionCollector
}

// NewConnection takes ownership of l's fd (assumed already connected)
// and wraps it as the shared link socket every transaction on this
// connection will hold a non-owning reference to (§3, §5).
func NewConnection(l Link, cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sock, err := NewSocket(l.Fd(), ReadWrite)
	if err != nil {
		return nil, errors.Wrap(err, "mux: Connection: wrap link")
	}

	c := &Connection{
		id:           xid.New(),
		cfg:          cfg,
		link:         sock,
		recvAcc:      NewBuffer(cfg.MaxPacketSize),
		transactions: make(map[uint16]*Transaction),
		metrics:      newTransactionCollector(),
	}
	c.link.PostRecvBuf(c.recvAcc)
	return c, nil
}

// ID returns the connection's log-correlation id (distinct from any
// transaction's wire xid — §B of SPEC_FULL.md).
func (c *Connection) ID() xid.ID { return c.id }

func (c *Connection) fields() logFields {
	return logFields{conn: c.id.String()}
}

// OpenTransaction allocates the next xid and registers a new
// Transaction of the given kind, sharing this connection's link socket.
func (c *Connection) OpenTransaction(kind TransactionType) *Transaction {
	c.nextXid++
	id := c.nextXid
	t := NewTransaction(id, kind, c.link, c.cfg.HeaderVariant)
	c.transactions[id] = t
	c.metrics.liveTransactions.Set(float64(len(c.transactions)))
	return t
}

// Transaction looks up a live transaction by xid.
func (c *Connection) Transaction(id uint16) (*Transaction, bool) {
	t, ok := c.transactions[id]
	return t, ok
}

// Metrics returns the connection's prometheus.Collector, for callers
// that want to register it with their own registry.
func (c *Connection) Metrics() *transactionCollector { return c.metrics }

// Tick runs one iteration of the poll loop: collect pollfds, poll with
// cfg.PollTimeout, do I/O, demux, purge (§4.5).
func (c *Connection) Tick() error {
	if !c.link.XmitQueueAllowed(c.cfg.HighWaterMark) {
		c.metrics.recordStall()
	}

	pfds := make([]unix.PollFd, 0, len(c.transactions)+1)
	for _, t := range c.transactions {
		pfds = t.FillPoll(pfds, c.cfg.HighWaterMark)
	}

	var linkPfd unix.PollFd
	if !c.link.FillPoll(&linkPfd) {
		// Always poll the link for readability even with nothing
		// queued to write, since inbound demux depends on it.
		linkPfd = unix.PollFd{Fd: int32(c.link.Fd()), Events: unix.POLLIN}
	}
	pfds = append(pfds, linkPfd)

	if len(pfds) == 0 {
		return nil
	}

	timeoutMs := int(c.cfg.PollTimeout / time.Millisecond)
	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return errors.Wrap(err, "mux: Connection.Tick: poll")
	}
	if n == 0 {
		return nil // nothing ready this tick
	}

	for _, t := range c.transactions {
		t.DoIO()
	}

	if err := c.link.DoIO(c.cfg.MaxPacketSize); err != nil {
		c.onLinkDead(err)
		return err
	}

	c.pumpLinkRecv()
	c.purgeDone()
	return nil
}

// pumpLinkRecv extracts as many fully-received packets as are currently
// buffered and dispatches each to its owning transaction by xid (§4.5
// step 4). Fixes the "recvbuf_both" confusion named in spec.md §9 by
// keeping the link's own recv accumulation entirely separate from any
// channel's recv buffer: there is exactly one thing reading the link
// fd, the Connection itself, never a channel.
func (c *Connection) pumpLinkRecv() {
	hsz := c.cfg.HeaderSize()
	for {
		if c.recvAcc.Count() < hsz {
			break
		}
		hdr, err := ParseHeader(c.recvAcc.Bytes(), c.cfg.HeaderVariant)
		if err == nil && int(hdr.Len) > c.cfg.MaxPacketSize {
			err = errors.Wrapf(ErrInvalidPacket, "length %d exceeds max packet size %d", hdr.Len, c.cfg.MaxPacketSize)
		}
		if err != nil {
			log.WithFields(c.fields().asLogrus()).WithError(err).Warn("mux: protocol error on link, tearing down")
			c.failAll(StatusEPROTO)
			c.recvAcc.Reset()
			return
		}
		if c.recvAcc.Count() < int(hdr.Len) {
			break // full packet not yet arrived
		}

		payload := append([]byte(nil), c.recvAcc.Bytes()[hsz:hdr.Len]...)
		c.recvAcc.ConsumeFront(int(hdr.Len))
		c.dispatch(hdr, payload)
	}

	if c.link.IsReadEOF() && c.recvAcc.Count() == 0 {
		c.onLinkDead(errors.Wrap(ErrLinkClosed, "mux: link read-EOF"))
	}
}

func (c *Connection) dispatch(hdr Header, payload []byte) {
	c.metrics.packetsRecv.WithLabelValues(string(hdr.Type)).Inc()

	t, ok := c.transactions[hdr.Xid]
	if !ok {
		log.WithFields(logFields{xid: hdr.Xid}.asLogrus()).Warn("mux: packet for unknown xid, dropping")
		return
	}
	if err := t.RecvPacket(hdr, payload); err != nil {
		log.WithFields(logFields{xid: hdr.Xid}.asLogrus()).WithError(err).Debug("mux: RecvPacket returned error")
	}
}

// purgeDone forgets transactions that are done and have fully flushed
// their outgoing packets to the link (§4.5 step 5).
func (c *Connection) purgeDone() {
	for id, t := range c.transactions {
		if t.drainedToLink() {
			delete(c.transactions, id)
		}
	}
	c.metrics.liveTransactions.Set(float64(len(c.transactions)))
}

// failAll tears down every live transaction with the given status,
// modeling "a broken link terminates all transactions it carried"
// (§1 Non-goals).
func (c *Connection) failAll(status int) {
	for _, t := range c.transactions {
		t.fail(status)
	}
}

func (c *Connection) onLinkDead(err error) {
	log.WithFields(c.fields().asLogrus()).WithError(err).Warn("mux: link dead, tearing down all transactions")
	c.link.MarkDead(err)
	c.failAll(StatusECANCELED)
}

// Run drives Tick in a loop until ctx is done or the link dies.
func (c *Connection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.link.IsDead() {
			return errors.Wrap(ErrLinkClosed, "mux: Connection.Run: link dead")
		}
		if err := c.Tick(); err != nil {
			return err
		}
	}
}

// SetTransactionTimeout is a convenience for a caller one layer up (§5's
// "Cancellation & timeout", §C.5 of SPEC_FULL.md) that wants a
// time.Timer to fire SendTimeout on a transaction without reaching into
// Connection internals.
func (c *Connection) SetTransactionTimeout(id uint16, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() {
		if t, ok := c.transactions[id]; ok {
			t.SendTimeout()
		}
	})
}
