package mux

import (
	"bytes"
	"testing"
)

func TestBufferReserveHeadAppendTake(t *testing.T) {
	b := NewBuffer(16)
	b.ReserveHead(4)
	b.Append([]byte("payload"))

	if got, want := b.Count(), len("payload"); got != want {
		t.Fatalf("Count() = %d, want %d", got, want)
	}
	if !bytes.Equal(b.Bytes(), []byte("payload")) {
		t.Fatalf("Bytes() = %q, want %q", b.Bytes(), "payload")
	}

	copy(b.HeadPtr(4), []byte("HEAD"))
	b.RewindHead(4)

	if got, want := b.Bytes(), []byte("HEADpayload"); !bytes.Equal(got, want) {
		t.Fatalf("after rewind Bytes() = %q, want %q", got, want)
	}

	out := b.Take()
	if !bytes.Equal(out, []byte("HEADpayload")) {
		t.Fatalf("Take() = %q, want %q", out, "HEADpayload")
	}
	if b.Count() != 0 {
		t.Fatalf("Count() after Take() = %d, want 0", b.Count())
	}
}

func TestBufferAppendGrowsBeyondInitialCapacity(t *testing.T) {
	b := NewBuffer(2)
	b.Append([]byte("hello world"))

	if got, want := string(b.Bytes()), "hello world"; got != want {
		t.Fatalf("Bytes() = %q, want %q", got, want)
	}
}

func TestBufferHeadPtrPanicsWithoutReservation(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("HeadPtr without ReserveHead did not panic")
		}
	}()
	b := NewBuffer(8)
	b.HeadPtr(4)
}

func TestBufferConsumeFrontCompactsRemainder(t *testing.T) {
	b := NewBuffer(16)
	b.Append([]byte("first|second"))

	b.ConsumeFront(len("first|"))

	if got, want := string(b.Bytes()), "second"; got != want {
		t.Fatalf("Bytes() after ConsumeFront = %q, want %q", got, want)
	}

	b.Append([]byte("|third"))
	if got, want := string(b.Bytes()), "second|third"; got != want {
		t.Fatalf("Bytes() after trailing Append = %q, want %q", got, want)
	}
}

func TestBufferConsumeFrontPanicsOnOverrun(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("ConsumeFront(n) with n > Count() did not panic")
		}
	}()
	b := NewBuffer(8)
	b.Append([]byte("ab"))
	b.ConsumeFront(3)
}
