package syncx

import (
	"sync"
	"testing"
)

func TestGuardGetSet(t *testing.T) {
	g := NewGuard(42)

	if got := g.Get(); got != 42 {
		t.Errorf("Get() = %d, want 42", got)
	}

	g.Set(100)
	if got := g.Get(); got != 100 {
		t.Errorf("Get() after Set = %d, want 100", got)
	}
}

func TestGuardConcurrentAccess(t *testing.T) {
	g := NewGuard(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			g.Set(n)
		}(i)
		go func() {
			defer wg.Done()
			_ = g.Get()
		}()
	}
	wg.Wait()

	got := g.Get()
	if got < 0 || got > 7 {
		t.Errorf("Get() = %d, want a value some writer set", got)
	}
}
