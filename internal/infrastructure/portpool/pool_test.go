package portpool

import (
	"net"
	"testing"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	p := New(nil, 20500, 5)

	port, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port < 20500 || port >= 20505 {
		t.Fatalf("allocate returned out-of-range port %d", port)
	}
	if got := p.AllocatedCount(); got != 1 {
		t.Fatalf("allocated_count = %d, want 1", got)
	}

	p.Release(port)
	if got := p.AllocatedCount(); got != 0 {
		t.Fatalf("allocated_count after release = %d, want 0", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(nil, 20600, 2)
	port, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p.Release(port)
	p.Release(port) // second release is a no-op, not a panic
	if got := p.AllocatedCount(); got != 0 {
		t.Fatalf("allocated_count = %d, want 0", got)
	}
}

func TestAllocateSkipsOSBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	p := New(nil, port, 1) // pool of exactly the busy port
	if _, err := p.Allocate(); err != ErrPoolExhausted {
		t.Fatalf("allocate over a single busy port = %v, want ErrPoolExhausted", err)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	p := New(nil, 20700, 2)

	first, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	second, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	if first == second {
		t.Fatalf("allocate returned the same port twice: %d", first)
	}

	if _, err := p.Allocate(); err != ErrPoolExhausted {
		t.Fatalf("allocate on exhausted pool = %v, want ErrPoolExhausted", err)
	}

	p.Release(first)
	if _, err := p.Allocate(); err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
}

func TestIsAvailableReflectsOSState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	p := New(nil, port, 1)
	if p.IsAvailable(port) {
		t.Fatalf("IsAvailable(%d) = true while a listener is bound", port)
	}
	ln.Close()

	if !p.IsAvailable(port) {
		t.Fatalf("IsAvailable(%d) = false after listener closed", port)
	}
}
