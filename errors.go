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
	"golang.org/x/sys/unix"
)

// Sentinel errors returned by the Go-level API. These are distinct from
// the numeric major/minor status words carried on the wire (see §6 of
// the spec): a sentinel here means "the local call could not even be
// attempted", not "the remote replied with failure".
var (
	ErrInvalidPacket     = errors.New("mux: invalid packet")
	ErrTransactionDone   = errors.New("mux: transaction already done")
	ErrChannelDetached   = errors.New("mux: channel has no socket attached")
	ErrLinkClosed        = errors.New("mux: link is closed")
	ErrBacklogOverflow   = errors.New("mux: send queue exceeds high water mark")
	ErrUnknownChannelID  = errors.New("mux: no channel for that id")
	ErrStaleHandle       = errors.New("mux: channel handle refers to a recycled slot")
)

// Status codes used for the two-word major/minor terminal status (§4.4,
// §6). These reuse golang.org/x/sys/unix's errno constants, which are
// numerically identical to what a Linux remote historically sends over
// the wire as decimal ASCII.
const (
	StatusOK        = 0
	StatusENOENT    = int(unix.ENOENT)
	StatusEPROTO    = int(unix.EPROTO)
	StatusECANCELED = int(unix.ECANCELED)
	StatusETIME     = int(unix.ETIME)
)

// invariantViolation is raised by the debug-build assertions described in
// §4.4 and §9 ("retain this as a debug-build assertion; in release
// builds, degrade to logging and dropping"). strictInvariants controls
// which behavior is active.
type invariantViolation struct {
	msg string
}

func (e *invariantViolation) Error() string { return "mux: invariant violation: " + e.msg }

var strictInvariants = true

// SetStrictInvariants toggles whether a double status-word send or a
// fail() after both words are already sent panics (true, the default) or
// is merely logged and dropped (false). A panic here would take down
// every in-flight transaction sharing the same Connection, so production
// deployments that would rather lose one transaction than the whole
// connection can disable it.
func SetStrictInvariants(v bool) {
	strictInvariants = v
}

func violateInvariant(msg string, fields logFields) {
	log.WithFields(fields.asLogrus()).Error("mux: invariant violation: " + msg)
	if strictInvariants {
		panic(&invariantViolation{msg: msg})
	}
}
