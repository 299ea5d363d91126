package channels

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmux/internal/bus"
)

func TestIsAllowedEmptyAllowlistAllowsEveryone(t *testing.T) {
	b := NewBaseChannel("discord", bus.New(4), nil)
	if !b.IsAllowed("anyone") {
		t.Fatal("expected empty allowlist to allow everyone")
	}
}

func TestIsAllowedRestrictsToConfiguredSenders(t *testing.T) {
	b := NewBaseChannel("discord", bus.New(4), []string{" 123 ", "456"})
	if !b.IsAllowed("123") || !b.IsAllowed("456") {
		t.Fatal("expected allowlisted senders to be allowed")
	}
	if b.IsAllowed("789") {
		t.Fatal("expected non-allowlisted sender to be denied")
	}
}

func TestCheckPolicyOpenAllowsAnyone(t *testing.T) {
	b := NewBaseChannel("discord", bus.New(4), nil)
	if !b.CheckPolicy("direct", PolicyOpen, PolicyOpen, "whoever") {
		t.Fatal("expected open policy to allow anyone")
	}
}

func TestCheckPolicyClosedDeniesEveryone(t *testing.T) {
	b := NewBaseChannel("discord", bus.New(4), []string{"123"})
	if b.CheckPolicy("direct", PolicyClosed, PolicyOpen, "123") {
		t.Fatal("expected closed dm policy to deny even an allowlisted sender")
	}
}

func TestCheckPolicyAllowlistUsesPerKindPolicy(t *testing.T) {
	b := NewBaseChannel("discord", bus.New(4), []string{"123"})
	if !b.CheckPolicy("direct", PolicyAllowlist, PolicyOpen, "123") {
		t.Fatal("expected allowlisted sender to pass direct allowlist policy")
	}
	if b.CheckPolicy("direct", PolicyAllowlist, PolicyOpen, "999") {
		t.Fatal("expected non-allowlisted sender to fail direct allowlist policy")
	}
	// group policy is open here, so an unlisted sender in a group still passes.
	if !b.CheckPolicy("group", PolicyAllowlist, PolicyOpen, "999") {
		t.Fatal("expected group policy (open) to allow a non-allowlisted sender")
	}
}

func TestHandleMessagePublishesToBusWithPlatformSource(t *testing.T) {
	msgBus := bus.New(4)
	sub := msgBus.SubscribeInbound()
	defer sub.Close()

	b := NewBaseChannel("discord", msgBus, nil)
	b.HandleMessage("user-1", "chan-1", "hello", nil)

	select {
	case msg := <-sub.C():
		if msg.Sender != "user-1" || msg.Body != "hello" {
			t.Fatalf("got %+v", msg)
		}
		platformID, channelID := bus.ExtractSourceIDs(msg.Source)
		if platformID != "discord" || channelID != "chan-1" {
			t.Fatalf("source = %q, %q", platformID, channelID)
		}
		if !msg.Target.Dispatch {
			t.Fatal("expected default target to be DISPATCH when target is nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestHandleMessageHonorsExplicitTarget(t *testing.T) {
	msgBus := bus.New(4)
	sub := msgBus.SubscribeInbound()
	defer sub.Close()

	b := NewBaseChannel("discord", msgBus, nil)
	target := bus.NamedTarget("ops")
	b.HandleMessage("user-1", "chan-1", "hello", &target)

	msg := <-sub.C()
	if msg.Target.Dispatch || msg.Target.Name != "ops" {
		t.Fatalf("Target = %+v, want NamedTarget(ops)", msg.Target)
	}
}

func TestHandleWebMessageTagsWebSource(t *testing.T) {
	msgBus := bus.New(4)
	sub := msgBus.SubscribeInbound()
	defer sub.Close()

	b := NewBaseChannel("web", msgBus, nil)
	b.HandleWebMessage("conn-42", "hi", nil)

	msg := <-sub.C()
	if msg.Source.Kind != "web" || msg.Source.ConnID != "conn-42" {
		t.Fatalf("Source = %+v", msg.Source)
	}
}

func TestRunningFlag(t *testing.T) {
	b := NewBaseChannel("discord", bus.New(4), nil)
	if b.IsRunning() {
		t.Fatal("expected not running initially")
	}
	b.SetRunning(true)
	if !b.IsRunning() {
		t.Fatal("expected running after SetRunning(true)")
	}
}

func TestThrottleAdmitsBurstWithoutBlocking(t *testing.T) {
	b := NewBaseChannel("discord", bus.New(4), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// defaultSendRate's burst is 5; the first call should never block.
	if err := b.Throttle(ctx); err != nil {
		t.Fatalf("Throttle: %v", err)
	}
}

func TestTruncateShortStringUnchanged(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("Truncate = %q", got)
	}
}

func TestTruncateLongStringAddsEllipsis(t *testing.T) {
	got := Truncate("hello world", 5)
	if !strings.HasPrefix(got, "hello") || !strings.HasSuffix(got, "…") {
		t.Fatalf("Truncate = %q", got)
	}
	if got != "hello…" {
		t.Fatalf("Truncate = %q, want %q", got, "hello…")
	}
}

func TestTruncateHandlesMultibyteRunesCorrectly(t *testing.T) {
	got := Truncate("日本語テスト", 3)
	if got != "日本語…" {
		t.Fatalf("Truncate = %q, want %q", got, "日本語…")
	}
}
