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

// Buffer is an owned, contiguous byte region with head/tail/capacity
// cursors (§3): 0 <= head <= tail <= capacity. It supports reserving
// room at the front of the region for a header to be filled in later by
// the protocol codec, so a payload can be collected first and framed
// afterward without a second allocation or a copy.
type Buffer struct {
	store []byte
	head  int
	tail  int
}

// NewBuffer allocates a Buffer with the given total capacity. All of it
// starts out unused (head == tail == 0).
func NewBuffer(capacity int) *Buffer {
	return &Buffer{store: make([]byte, capacity)}
}

// ReserveHead moves head forward by n bytes without copying anything,
// so a caller can Append payload now and prepend a fixed-size header
// later by writing directly into store[head-n:head].
func (b *Buffer) ReserveHead(n int) {
	if b.head+n > cap(b.store) {
		panic("mux: Buffer.ReserveHead exceeds capacity")
	}
	b.head += n
	if b.tail < b.head {
		b.tail = b.head
	}
}

// Append copies data onto the tail of the buffer, growing tail.
func (b *Buffer) Append(data []byte) {
	need := b.tail + len(data)
	if need > cap(b.store) {
		grown := make([]byte, need)
		copy(grown, b.store[:b.tail])
		b.store = grown
	} else if need > len(b.store) {
		b.store = b.store[:need]
	}
	copy(b.store[b.tail:need], data)
	b.tail = need
}

// Count returns the number of live bytes between head and tail.
func (b *Buffer) Count() int {
	return b.tail - b.head
}

// Bytes returns the live region (head..tail) without transferring
// ownership; the caller must not retain it past the next mutation.
func (b *Buffer) Bytes() []byte {
	return b.store[b.head:b.tail]
}

// HeadPtr returns the storage starting at head-n, for a codec to write a
// header of size n into space reserved by an earlier ReserveHead(n).
func (b *Buffer) HeadPtr(n int) []byte {
	if b.head-n < 0 {
		panic("mux: Buffer.HeadPtr: not enough reserved room")
	}
	return b.store[b.head-n : b.head]
}

// RewindHead moves head backward by n, exposing bytes written via
// HeadPtr as part of the live region (§4.2's push_header_ps "rewinds
// head").
func (b *Buffer) RewindHead(n int) {
	if b.head-n < 0 {
		panic("mux: Buffer.RewindHead: underflow")
	}
	b.head -= n
}

// Take transfers ownership of the live region out of the Buffer as a
// freshly-sized slice, leaving b empty. Used when a completed buffer
// moves from one owner (a posted recv buffer) to another (a send
// queue entry).
func (b *Buffer) Take() []byte {
	out := make([]byte, b.Count())
	copy(out, b.Bytes())
	b.head = 0
	b.tail = 0
	return out
}

// Reset empties the buffer for reuse without releasing its storage.
func (b *Buffer) Reset() {
	b.head = 0
	b.tail = 0
}

// Cap reports the total storage capacity.
func (b *Buffer) Cap() int {
	return cap(b.store)
}

// ConsumeFront discards the first n live bytes, compacting the
// remainder down to the front of the storage. Used by the link's
// incoming-packet accumulator to drop a fully-dispatched packet while
// preserving any trailing bytes already read from the wire (§4.5).
func (b *Buffer) ConsumeFront(n int) {
	if n > b.Count() {
		panic("mux: Buffer.ConsumeFront: n exceeds live region")
	}
	remaining := b.tail - (b.head + n)
	copy(b.store[b.head:b.head+remaining], b.store[b.head+n:b.tail])
	b.tail = b.head + remaining
}
