package mux

import (
	"net"
	"testing"
	"time"
)

// tcpPipe returns two ends of a real loopback TCP connection, since
// Connection needs a genuine, pollable fd (net.Pipe's in-memory Conn
// has none).
func tcpPipe(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	aConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}

	select {
	case bConn := <-accepted:
		t.Cleanup(func() { aConn.Close(); bConn.Close() })
		return aConn, bConn
	case err := <-acceptErr:
		t.Fatalf("ln.Accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting to accept loopback connection")
	}
	return nil, nil
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.PollTimeout = 100 * time.Millisecond
	return cfg
}

func TestConnectionDemuxesPacketToMatchingTransaction(t *testing.T) {
	local, peer := tcpPipe(t)

	conn, err := NewConnection(NewTCPLink(local), fastConfig())
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	tr := conn.OpenTransaction(CommandKind)

	type received struct {
		hdr     Header
		payload []byte
	}
	got := make(chan received, 1)
	tr.SetRecvHook(func(_ *Transaction, h Header, payload []byte) error {
		got <- received{h, append([]byte(nil), payload...)}
		return nil
	})

	pkt, err := BuildPacket(HeaderExtended, TypeCommand, tr.ID(), []byte("run ls"))
	if err != nil {
		t.Fatalf("BuildPacket: %v", err)
	}
	if _, err := peer.Write(pkt); err != nil {
		t.Fatalf("peer.Write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if err := conn.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		select {
		case r := <-got:
			if r.hdr.Type != TypeCommand {
				t.Fatalf("Type = %q, want %q", r.hdr.Type, TypeCommand)
			}
			if string(r.payload) != "run ls" {
				t.Fatalf("payload = %q, want %q", r.payload, "run ls")
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		default:
		}
	}
}

func TestConnectionPurgesDoneTransactionOnceDrained(t *testing.T) {
	local, _ := tcpPipe(t)

	conn, err := NewConnection(NewTCPLink(local), fastConfig())
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	tr := conn.OpenTransaction(CommandKind)
	tr.SendStatus(StatusOK, StatusOK)

	if _, ok := conn.Transaction(tr.ID()); !ok {
		t.Fatal("transaction missing before any tick")
	}

	deadline := time.After(2 * time.Second)
	for {
		if err := conn.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if _, ok := conn.Transaction(tr.ID()); !ok {
			return // purged once its status packets drained to the link
		}
		select {
		case <-deadline:
			t.Fatal("transaction was never purged")
		default:
		}
	}
}

func TestConnectionDropsPacketForUnknownXid(t *testing.T) {
	local, peer := tcpPipe(t)

	conn, err := NewConnection(NewTCPLink(local), fastConfig())
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	// No OpenTransaction call: xid 42 is unknown.

	pkt, err := BuildPacket(HeaderExtended, TypeCommand, 42, []byte("orphan"))
	if err != nil {
		t.Fatalf("BuildPacket: %v", err)
	}
	if _, err := peer.Write(pkt); err != nil {
		t.Fatalf("peer.Write: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := conn.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	// No panic, no crash: the dangling packet for an unknown xid is
	// logged and dropped (§4.5's demux step).
}
