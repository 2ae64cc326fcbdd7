package registry

import (
	"sync"
	"testing"

	"github.com/mossy-p/presence-relay/internal/models"
)

type nopConn struct{}

func (nopConn) Send(models.Outbound) bool { return true }
func (nopConn) Close()                    {}

func TestRegisterGetUnregister(t *testing.T) {
	r := New()
	r.Register("s1", nopConn{})

	if _, ok := r.Get("s1"); !ok {
		t.Fatal("expected s1 to be registered")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if _, ok := r.Unregister("s1"); !ok {
		t.Fatal("Unregister should report the removed conn")
	}
	if _, ok := r.Get("s1"); ok {
		t.Fatal("s1 should be gone")
	}
	if _, ok := r.Unregister("s1"); ok {
		t.Fatal("second Unregister should be a no-op")
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.Register("s1", nopConn{})
	if _, ok := b.Get("s1"); ok {
		t.Fatal("registries must not share state")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			r.Register(id, nopConn{})
			r.Get(id)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()
}
