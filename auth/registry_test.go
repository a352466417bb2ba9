package auth

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegisterReturnsUniqueCodes(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := r.Register(func(string) {}, "")
		if len(code) < codeLength {
			t.Fatalf("code %q shorter than %d chars", code, codeLength)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
	if got := r.Outstanding(); got != 100 {
		t.Fatalf("Outstanding() = %d, want 100", got)
	}
}

func TestRegisterPreferredCollision(t *testing.T) {
	r := NewRegistry()
	code := r.Register(func(string) {}, "fixed-code")
	if code != "fixed-code" {
		t.Fatalf("preferred code not used: got %q", code)
	}
	// Same preferred code again must yield a fresh one.
	second := r.Register(func(string) {}, "fixed-code")
	if second == "fixed-code" {
		t.Fatal("collision with outstanding code was not avoided")
	}
}

func TestResolveInvokesCallback(t *testing.T) {
	r := NewRegistry()
	var got string
	code := r.Register(func(name string) { got = name }, "")

	if !r.Resolve(code, "alice") {
		t.Fatal("Resolve returned false for a registered code")
	}
	if got != "alice" {
		t.Fatalf("callback got %q, want alice", got)
	}

	// The entry stays registered until the owner unregisters it.
	if !r.Resolve(code, "bob") {
		t.Fatal("second Resolve before Unregister should still find the code")
	}
}

func TestResolveUnknownCode(t *testing.T) {
	r := NewRegistry()
	if r.Resolve("nope", "alice") {
		t.Fatal("Resolve returned true for an unknown code")
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	code := r.Register(func(string) {}, "")
	r.Unregister(code)
	if r.Resolve(code, "alice") {
		t.Fatal("Resolve found an unregistered code")
	}
	if got := r.Outstanding(); got != 0 {
		t.Fatalf("Outstanding() = %d, want 0", got)
	}
	// Unregistering again is a no-op.
	r.Unregister(code)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := r.Register(func(string) {}, fmt.Sprintf("code-%d", i))
			r.Resolve(code, "name")
			r.Unregister(code)
		}(i)
	}
	wg.Wait()
	if got := r.Outstanding(); got != 0 {
		t.Fatalf("Outstanding() = %d after concurrent churn, want 0", got)
	}
}
