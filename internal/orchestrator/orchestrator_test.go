package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agent/backends/mock"
	"github.com/nextlevelbuilder/agentmux/internal/agentevent"
	"github.com/nextlevelbuilder/agentmux/internal/bus"
	"github.com/nextlevelbuilder/agentmux/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentmux/internal/warmsession"

	"path/filepath"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *mock.Backend) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	backend := mock.New()
	msgBus := bus.New(64)
	factories := map[string]BackendFactory{
		"mock": func(ctx context.Context, channelName, workingDir string) (*agent.Handle, error) {
			return agent.NewHandle(ctx, "mock", backend, 8), nil
		},
	}
	warm := warmsession.New(time.Minute, 8, nil)
	return New(context.Background(), st, msgBus, warm, factories), backend
}

func recvResponse(t *testing.T, sub *bus.ResponseSub) bus.Response {
	t.Helper()
	select {
	case resp := <-sub.C():
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return bus.Response{}
	}
}

func TestOrchestrator_RoutesBoundSessionMessage(t *testing.T) {
	ctx := context.Background()
	o, backend := newTestOrchestrator(t)
	backend.SetResponder(func(sessionID, text string, isNewSession bool) []agentevent.Event {
		return []agentevent.Event{agentevent.Result("got: "+text, nil, nil)}
	})

	if _, err := o.Store.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := o.Bus.BindChannel(ctx, "discord", "c1", "ops"); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}

	sub := o.Bus.SubscribeResponses()
	defer sub.Close()

	o.process(ctx, bus.Message{
		ID:     "m1",
		Source: bus.PlatformSource("discord", "c1"),
		Target: bus.DispatchTarget(),
		Body:   "hello there",
	})

	resp := recvResponse(t, sub)
	if resp.SessionName != "ops" || resp.Content.Text != "got: hello there" {
		t.Fatalf("got %+v", resp)
	}
}

func TestOrchestrator_UnboundMessageRoutesToDispatch(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	sub := o.Bus.SubscribeResponses()
	defer sub.Close()

	o.process(ctx, bus.Message{
		ID:     "m1",
		Source: bus.PlatformSource("discord", "c1"),
		Target: bus.DispatchTarget(),
		Body:   "!create ops",
	})

	resp := recvResponse(t, sub)
	if resp.SessionName != "dispatch:discord:c1" {
		t.Fatalf("SessionName = %q, want dispatch:discord:c1", resp.SessionName)
	}
	if resp.Content.Text == "" {
		t.Fatal("expected a non-empty dispatch reply")
	}
}

func TestOrchestrator_DedupeDropsRepeatedMessageID(t *testing.T) {
	ctx := context.Background()
	o, backend := newTestOrchestrator(t)

	if _, err := o.Store.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := o.Bus.BindChannel(ctx, "discord", "c1", "ops"); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}

	msg := bus.Message{
		ID:     "dup-1",
		Source: bus.PlatformSource("discord", "c1"),
		Target: bus.DispatchTarget(),
		Body:   "hi",
	}
	o.process(ctx, msg)
	o.process(ctx, msg)

	if got := len(backend.Prompts()); got != 1 {
		t.Fatalf("backend received %d prompts, want 1 (second should be deduped)", got)
	}
}

// TestOrchestrator_BindAndFanOut exercises the bind+fan-out flow: a single
// channel bound from two different platform sources, where a response
// targeting the session resolves to both (platform, channel) pairs for
// whatever adapters are subscribed — this is the shape every real adapter
// (Discord, Slack, Telegram, the web console, or a not-yet-built Matrix
// adapter) uses to decide which outbound sends a session's response fans out
// to; nothing here depends on a concrete adapter implementation.
func TestOrchestrator_BindAndFanOut(t *testing.T) {
	ctx := context.Background()
	o, backend := newTestOrchestrator(t)
	backend.SetResponder(func(sessionID, text string, isNewSession bool) []agentevent.Event {
		return []agentevent.Event{agentevent.Result("ack: "+text, nil, nil)}
	})

	if _, err := o.Store.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if err := o.Bus.BindChannel(ctx, "matrix", "!r1", "ops"); err != nil {
		t.Fatalf("BindChannel matrix: %v", err)
	}
	if err := o.Bus.BindChannel(ctx, "slack", "C1", "ops"); err != nil {
		t.Fatalf("BindChannel slack: %v", err)
	}

	pairs := o.Bus.BindingsForSession(ctx, "ops")
	if len(pairs) != 2 {
		t.Fatalf("BindingsForSession = %v, want 2 entries", pairs)
	}
	seen := map[[2]string]bool{}
	for _, p := range pairs {
		seen[p] = true
	}
	if !seen[[2]string{"matrix", "!r1"}] || !seen[[2]string{"slack", "C1"}] {
		t.Fatalf("BindingsForSession missing an expected pair: %v", pairs)
	}

	sub := o.Bus.SubscribeResponses()
	defer sub.Close()

	// A message arriving from either bound platform resolves to the same
	// session and its response fans out to every binding — here we drive it
	// from the Matrix side, the one platform this module never got a real
	// adapter for (see DESIGN.md), and confirm the bus-level contract a
	// mock Matrix adapter would rely on still holds.
	o.process(ctx, bus.Message{
		ID:     "m1",
		Source: bus.PlatformSource("matrix", "!r1"),
		Target: bus.DispatchTarget(),
		Body:   "good morning",
	})

	resp := recvResponse(t, sub)
	if resp.SessionName != "ops" || resp.Content.Text != "ack: good morning" {
		t.Fatalf("got %+v", resp)
	}

	// Every bound platform channel would receive this same response; confirm
	// the fan-out set is still exactly the two bindings registered above.
	fanout := o.Bus.BindingsForSession(ctx, resp.SessionName)
	if len(fanout) != 2 {
		t.Fatalf("fan-out targets = %v, want 2", fanout)
	}
}

func TestOrchestrator_NamedTargetBypassesBindingLookup(t *testing.T) {
	ctx := context.Background()
	o, backend := newTestOrchestrator(t)
	backend.SetResponder(func(sessionID, text string, isNewSession bool) []agentevent.Event {
		return []agentevent.Event{agentevent.Result("named: "+text, nil, nil)}
	})

	if _, err := o.Store.CreateChannel(ctx, "ops", "!r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	sub := o.Bus.SubscribeResponses()
	defer sub.Close()

	o.process(ctx, bus.Message{
		ID:     "m1",
		Source: bus.WebSource("web-conn-1"),
		Target: bus.NamedTarget("ops"),
		Body:   "hello",
	})

	resp := recvResponse(t, sub)
	if resp.SessionName != "ops" || resp.Content.Text != "named: hello" {
		t.Fatalf("got %+v", resp)
	}
}
