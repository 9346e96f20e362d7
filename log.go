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
	"github.com/sirupsen/logrus"
)

// log is the package-level logger. Replace it with SetLogger to attach
// caller-specific fields (link id, test name) without threading a logger
// through every constructor, the same compromise nabbar/golib's logger
// package makes available as a package-level default.
var log = logrus.NewEntry(logrus.StandardLogger())

// SetLogger installs e as the package-level logger used by the core for
// protocol violations, invariant violations, and purge-sweep diagnostics.
func SetLogger(e *logrus.Entry) {
	if e != nil {
		log = e
	}
}

// logFields is a small, allocation-light alternative to logrus.Fields
// for the handful of dimensions the core ever logs against.
type logFields struct {
	xid     uint16
	channel byte
	conn    string
	extra   map[string]interface{}
}

func (f logFields) asLogrus() logrus.Fields {
	out := logrus.Fields{}
	if f.xid != 0 {
		out["xid"] = f.xid
	}
	if f.channel != 0 {
		out["channel"] = string(f.channel)
	}
	if f.conn != "" {
		out["conn"] = f.conn
	}
	for k, v := range f.extra {
		out[k] = v
	}
	return out
}
