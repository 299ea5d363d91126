// Package channels defines the gateway adapter contract shared by every
// platform integration (Discord, Telegram, Slack, the web admin console):
// a uniform Start/Stop/Send lifecycle plus the policy/allowlist and message
// dispatch plumbing common to all of them.
//
// Grounded on the teacher's internal/channels adapters (base lifecycle +
// policy-check pattern) and src/orchestrator.rs's extract_source_ids/
// dedupe flow, now publishing through internal/bus instead of a direct
// orchestrator call.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentmux/internal/bus"
)

// Channel is the lifecycle contract every platform adapter implements.
type Channel struct{}

// Adapter is implemented by each concrete platform integration.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, platformChannelID, content string) error
}

// Policy controls who may talk to a channel: "open" (anyone), "allowlist"
// (only IsAllowed senders), or "closed" (nobody).
const (
	PolicyOpen      = "open"
	PolicyAllowlist = "allowlist"
	PolicyClosed    = "closed"
)

// BaseChannel holds the state and helpers common to every platform adapter:
// the shared message bus, the running flag, and the allowlist.
type BaseChannel struct {
	PlatformID string
	Bus        *bus.Bus
	allowFrom  map[string]bool
	running    atomic.Bool
	limiter    *rate.Limiter
}

// defaultSendRate bounds outbound sends to 1/sec with bursts of 5, generous
// enough for normal chat cadence while protecting against runaway loops
// flooding a platform's API and tripping its own rate limiter.
const defaultSendRate = 1

func NewBaseChannel(platformID string, msgBus *bus.Bus, allowFrom []string) *BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[strings.TrimSpace(id)] = true
	}
	return &BaseChannel{
		PlatformID: platformID,
		Bus:        msgBus,
		allowFrom:  allow,
		limiter:    rate.NewLimiter(rate.Limit(defaultSendRate), 5),
	}
}

// Throttle blocks until the channel's outbound rate limiter admits another
// send, or ctx is done.
func (b *BaseChannel) Throttle(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

func (b *BaseChannel) SetRunning(v bool) { b.running.Store(v) }
func (b *BaseChannel) IsRunning() bool   { return b.running.Load() }

// IsAllowed reports whether senderID may interact with this channel. An
// empty allowlist means everyone is allowed.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	return b.allowFrom[senderID]
}

// CheckPolicy applies the per-peer-kind ("direct" or "group") policy
// configured for the channel.
func (b *BaseChannel) CheckPolicy(peerKind, dmPolicy, groupPolicy, senderID string) bool {
	policy := groupPolicy
	if peerKind == "direct" {
		policy = dmPolicy
	}
	switch policy {
	case PolicyClosed:
		return false
	case PolicyAllowlist:
		return b.IsAllowed(senderID)
	default: // "open" or unset
		return true
	}
}

// HandleMessage publishes an inbound platform message onto the bus for the
// orchestrator to route and dedupe.
func (b *BaseChannel) HandleMessage(senderID, channelID, content string, target *bus.SessionTarget) {
	b.publish(bus.PlatformSource(b.PlatformID, channelID), senderID, content, target)
}

// HandleWebMessage is HandleMessage's counterpart for the web-admin channel,
// tagging the message with a web MessageSource instead of a platform one.
func (b *BaseChannel) HandleWebMessage(connID, content string, target *bus.SessionTarget) {
	b.publish(bus.WebSource(connID), connID, content, target)
}

func (b *BaseChannel) publish(src bus.MessageSource, senderID, content string, target *bus.SessionTarget) {
	tgt := bus.DispatchTarget()
	if target != nil {
		tgt = *target
	}
	b.Bus.PublishInbound(bus.Message{
		ID:        uuid.NewString(),
		Source:    src,
		Target:    tgt,
		Sender:    senderID,
		Body:      content,
		Timestamp: time.Now().UTC(),
	})
}

// Truncate shortens s to at most n runes, appending an ellipsis marker when
// truncated. Used for log previews.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
