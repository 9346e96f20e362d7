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

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	mux "github.com/frankenmichl/twopence"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "txmux-probe"
	myApp.Usage = "dial a twopence-style link and round-trip one command transaction"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "remoteaddr, r",
			Value: "127.0.0.1:4999",
			Usage: "link server address, eg: \"IP:PORT\"",
		},
		cli.IntFlag{
			Name:  "maxpacket",
			Value: 32768,
			Usage: "max packet size negotiated for this link",
		},
		cli.IntFlag{
			Name:  "highwater",
			Value: 65536,
			Usage: "backpressure high water mark, in bytes",
		},
		cli.DurationFlag{
			Name:  "polltimeout",
			Value: time.Second,
			Usage: "poll(2) timeout per connection tick",
		},
		cli.StringFlag{
			Name:  "pprof",
			Value: "",
			Usage: "optional pprof/metrics listen address, eg: \":6060\"",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "log warnings and errors only",
		},
	}
	myApp.Action = probe

	if err := myApp.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func probe(c *cli.Context) error {
	if c.Bool("quiet") {
		logrus.SetLevel(logrus.WarnLevel)
	}

	cfg := mux.DefaultConfig()
	cfg.MaxPacketSize = c.Int("maxpacket")
	cfg.HighWaterMark = c.Int("highwater")
	cfg.PollTimeout = c.Duration("polltimeout")

	conn, err := net.Dial("tcp", c.String("remoteaddr"))
	if err != nil {
		return err
	}
	defer conn.Close()

	mconn, err := mux.NewConnection(mux.NewTCPLink(conn), cfg)
	if err != nil {
		return err
	}

	if addr := c.String("pprof"); addr != "" {
		reg := prometheus.NewRegistry()
		if err := reg.Register(mconn.Metrics()); err != nil {
			return err
		}
		serveMux := http.NewServeMux()
		serveMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		serveMux.Handle("/debug/pprof/", http.DefaultServeMux)
		go func() {
			log.Println(http.ListenAndServe(addr, serveMux))
		}()
	}

	t := mconn.OpenTransaction(mux.CommandKind)

	stdoutHandle, err := t.AttachLocalSink(1, mux.TypeStdout, cfg.MaxPacketSize)
	if err != nil {
		return err
	}
	t.SetRecvHook(func(t *mux.Transaction, h mux.Header, payload []byte) error {
		if h.Type == mux.TypeMajor || h.Type == mux.TypeMinor {
			v, perr := mux.ParseUintPayload(payload)
			if perr != nil {
				return perr
			}
			fmt.Printf("status %c=%d\n", h.Type, v)
			return nil
		}
		return nil
	})

	if _, err := t.Resolve(stdoutHandle); err != nil {
		return err
	}

	if err := t.SendRequest(mux.TypeQuit, nil); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := mconn.Run(ctx); err != nil && err != io.EOF {
		return err
	}
	return nil
}
