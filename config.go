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
	"time"

	"github.com/pkg/errors"
)

// HeaderVariant selects whether packets on a link carry the extended
// 2-byte xid used to demultiplex to a Transaction (§3, §4.2). It is a
// per-link property fixed for the link's lifetime.
type HeaderVariant int

const (
	// HeaderBasic is the pre-multiplex 4-byte header with no xid.
	HeaderBasic HeaderVariant = iota
	// HeaderExtended is the 6-byte header used by the multiplexed core.
	HeaderExtended
)

// wire limits from §3 and §6.
const (
	minPacketLen = 4
	maxPacketLen = 65535
	// defaultMaxPacketSize is the default total packet length, header
	// included (§6: "Maximum packet length is 32768 bytes").
	defaultMaxPacketSize = 32768
	defaultHighWaterMark = 64 * 1024
	defaultPollTimeout   = 1 * time.Second
)

// Config tunes a Connection, in the same spirit as smux's Config /
// DefaultConfig / VerifyConfig trio.
type Config struct {
	// HeaderVariant selects the 4-byte or 6-byte wire header.
	HeaderVariant HeaderVariant

	// MaxPacketSize bounds the total packet length (header included),
	// §3's "payloads ... larger than the negotiated max are protocol
	// errors". Must be in [HeaderSize, 65535].
	MaxPacketSize int

	// HighWaterMark is the backpressure threshold on Socket's send
	// queue (§4, §5, §8's "Backpressure invariant").
	HighWaterMark int

	// PollTimeout bounds how long a single Connection tick's poll(2)
	// call may block when nothing is ready.
	PollTimeout time.Duration
}

// DefaultConfig returns sane defaults: extended header (xid present),
// 32768-byte max packet, 64 KiB high water mark.
func DefaultConfig() *Config {
	return &Config{
		HeaderVariant: HeaderExtended,
		MaxPacketSize: defaultMaxPacketSize,
		HighWaterMark: defaultHighWaterMark,
		PollTimeout:   defaultPollTimeout,
	}
}

// HeaderSize returns the wire header size implied by cfg.HeaderVariant:
// 4 bytes for HeaderBasic, 6 for HeaderExtended (§4.2).
func (c *Config) HeaderSize() int {
	if c.HeaderVariant == HeaderExtended {
		return extendedHeaderSize
	}
	return basicHeaderSize
}

// Validate mirrors smux's VerifyConfig: chained range checks returning a
// descriptive error for the first one that fails.
func (c *Config) Validate() error {
	if c.HeaderVariant != HeaderBasic && c.HeaderVariant != HeaderExtended {
		return errors.New("mux: unsupported header variant")
	}
	if c.MaxPacketSize < c.HeaderSize() {
		return errors.Errorf("mux: max packet size must be at least %d (header size)", c.HeaderSize())
	}
	if c.MaxPacketSize > maxPacketLen {
		return errors.Errorf("mux: max packet size must not exceed %d", maxPacketLen)
	}
	if c.HighWaterMark <= 0 {
		return errors.New("mux: high water mark must be positive")
	}
	if c.PollTimeout <= 0 {
		return errors.New("mux: poll timeout must be positive")
	}
	return nil
}
