package warmsession

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agent/backends/mock"
)

func newTestHandle(t *testing.T, name string) *agent.Handle {
	t.Helper()
	return agent.NewHandle(context.Background(), name, mock.New(), 4)
}

func TestGetPutRoundTrip(t *testing.T) {
	c := New(time.Minute, 4, nil)
	h := newTestHandle(t, "alpha")

	if _, _, ok := c.Get("ops"); ok {
		t.Fatal("expected empty cache miss")
	}

	c.Put("ops", "sess-1", h)
	got, _, ok := c.Get("ops")
	if !ok || got != h {
		t.Fatalf("Get(ops) = %v, %v; want %v, true", got, ok, h)
	}
}

func TestRemove(t *testing.T) {
	c := New(time.Minute, 4, nil)
	h := newTestHandle(t, "alpha")
	c.Put("ops", "sess-1", h)
	c.Remove("ops")
	if _, _, ok := c.Get("ops"); ok {
		t.Fatal("expected miss after Remove")
	}
}

func TestEvictionCallsOnEvict(t *testing.T) {
	evicted := make(chan string, 4)
	c := New(time.Minute, 2, func(channelName string, h *agent.Handle) {
		evicted <- channelName
	})

	c.Put("a", "sa", newTestHandle(t, "a"))
	c.Put("b", "sb", newTestHandle(t, "b"))
	c.Put("c", "sc", newTestHandle(t, "c")) // over capacity, evicts "a" (least recently used)

	select {
	case name := <-evicted:
		if name != "a" {
			t.Fatalf("evicted %q, want %q", name, "a")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eviction callback")
	}

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
}

func TestZeroValuesFallBackToDefaults(t *testing.T) {
	c := New(0, 0, nil)
	if c.entries.Len() != 0 {
		t.Fatalf("new cache should start empty")
	}
	c.Put("x", "sx", newTestHandle(t, "x"))
	if _, _, ok := c.Get("x"); !ok {
		t.Fatal("expected default-sized cache to hold at least one entry")
	}
}
