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
	"github.com/prometheus/client_golang/prometheus"
)

// transactionCollector is a prometheus.Collector exposing the live state
// of one Connection: how many transactions are open, how many packets of
// each wire type have been received from the link, and how often a tick
// found the backpressure gate closed. packetsSent is registered and
// exposed, but nothing in this package increments it. Grounded on the conns-map info-table shape
// the go-tcpinfo exporters use, narrowed to a single link since a
// Connection owns exactly one (§5).
type transactionCollector struct {
	liveTransactions prometheus.Gauge
	packetsRecv      *prometheus.CounterVec
	packetsSent      *prometheus.CounterVec
	backpressure     prometheus.Counter
}

func newTransactionCollector() *transactionCollector {
	return &transactionCollector{
		liveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "twopence",
			Subsystem: "mux",
			Name:      "live_transactions",
			Help:      "Number of transactions currently open on the connection.",
		}),
		packetsRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twopence",
			Subsystem: "mux",
			Name:      "packets_received_total",
			Help:      "Packets received from the link, by packet type byte.",
		}, []string{"type"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twopence",
			Subsystem: "mux",
			Name:      "packets_sent_total",
			Help:      "Packets enqueued to the link, by packet type byte.",
		}, []string{"type"}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twopence",
			Subsystem: "mux",
			Name:      "backpressure_stalls_total",
			Help:      "Ticks where a source's poll was withheld by the high water mark.",
		}),
	}
}

// Describe implements prometheus.Collector by delegating to each
// sub-metric, the same pattern the go-tcpinfo exporters use for their
// per-field info table, just without a conns map to range over.
func (t *transactionCollector) Describe(descs chan<- *prometheus.Desc) {
	t.liveTransactions.Describe(descs)
	t.packetsRecv.Describe(descs)
	t.packetsSent.Describe(descs)
	t.backpressure.Describe(descs)
}

// Collect implements prometheus.Collector.
func (t *transactionCollector) Collect(metrics chan<- prometheus.Metric) {
	t.liveTransactions.Collect(metrics)
	t.packetsRecv.Collect(metrics)
	t.packetsSent.Collect(metrics)
	t.backpressure.Collect(metrics)
}

// recordStall increments the backpressure counter; called by
// Connection.Tick, before collecting pollfds, whenever the link's send
// queue is at or above the high water mark.
func (t *transactionCollector) recordStall() {
	t.backpressure.Inc()
}
