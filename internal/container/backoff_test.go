package container

import (
	"testing"
	"time"
)

func TestFixedBackOffUnlimited(t *testing.T) {
	p := NewFixedBackOff(10 * time.Millisecond)
	exec := p.Start()

	for i := 0; i < 100; i++ {
		d, ok := exec.Next()
		if !ok {
			t.Fatalf("attempt %d: expected unlimited backoff to keep yielding", i)
		}
		if d != 10*time.Millisecond {
			t.Fatalf("attempt %d: got delay %v, want 10ms", i, d)
		}
	}
}

func TestBoundedBackOffStopsAfterMaxAttempts(t *testing.T) {
	p := NewBoundedBackOff(5*time.Millisecond, 3)
	exec := p.Start()

	for i := 0; i < 3; i++ {
		if _, ok := exec.Next(); !ok {
			t.Fatalf("attempt %d: expected ok=true within max attempts", i)
		}
	}

	if _, ok := exec.Next(); ok {
		t.Fatal("expected backoff to stop after max attempts")
	}
}

func TestBackOffStartReturnsFreshExecutionPerCall(t *testing.T) {
	p := NewBoundedBackOff(time.Millisecond, 1)

	e1 := p.Start()
	if _, ok := e1.Next(); !ok {
		t.Fatal("first execution should allow one attempt")
	}
	if _, ok := e1.Next(); ok {
		t.Fatal("first execution should be exhausted")
	}

	e2 := p.Start()
	if _, ok := e2.Next(); !ok {
		t.Fatal("a fresh execution from Start() must not inherit the exhausted state")
	}
}
