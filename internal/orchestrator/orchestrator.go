// Package orchestrator is the routing/dedup loop: it consumes inbound
// Messages from the Message Bus, decides whether each is a DISPATCH command
// or a prompt for a bound session, drives the right backend Handle, and
// publishes the result back onto the Bus for gateway adapters to forward.
//
// Grounded on src/orchestrator.rs's process_message / extract_source_ids /
// dedupe-then-route flow, and the teacher's cmd/gateway_consumer.go
// supervisor-loop bootstrapping style.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agentevent"
	"github.com/nextlevelbuilder/agentmux/internal/bus"
	"github.com/nextlevelbuilder/agentmux/internal/dispatch"
	"github.com/nextlevelbuilder/agentmux/internal/store"
	"github.com/nextlevelbuilder/agentmux/internal/warmsession"
)

const dedupeTTL = 5 * time.Minute
const dedupeCapacity = 4096

// BackendFactory constructs a fresh backend worker (and the Handle wrapping
// it) for one channel, parameterized by that channel's own working
// directory — every channel gets its own Handle/subprocess, even when two
// channels share a backend type.
type BackendFactory func(ctx context.Context, channelName, workingDir string) (*agent.Handle, error)

// Orchestrator wires the Bus, Store, and per-channel backend Handles
// together.
type Orchestrator struct {
	Store     store.Store
	Bus       *bus.Bus
	Warm      *warmsession.Cache
	Factories map[string]BackendFactory // backend type -> per-channel Handle constructor
	Executor  *dispatch.Executor

	rootCtx context.Context
	dedupe  *bus.DedupeCache
}

// New wires an Orchestrator. rootCtx bounds the lifetime of every backend
// worker goroutine PrepareSession spawns — it must outlive individual
// request contexts (e.g. the process's shutdown context), not a single
// RoutePrompt call.
func New(rootCtx context.Context, st store.Store, msgBus *bus.Bus, warm *warmsession.Cache, factories map[string]BackendFactory) *Orchestrator {
	o := &Orchestrator{
		Store:     st,
		Bus:       msgBus,
		Warm:      warm,
		Factories: factories,
		rootCtx:   rootCtx,
		dedupe:    bus.NewDedupeCache(dedupeTTL, dedupeCapacity),
	}
	o.Executor = dispatch.NewExecutor(st, msgBus, o)
	return o
}

// Run subscribes to inbound messages and processes them until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	sub := o.Bus.SubscribeInbound()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			o.process(ctx, msg)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, msg bus.Message) {
	if o.dedupe.SeenBefore(msg.ID) {
		return
	}

	// An explicit Named target on the inbound message (bus.NamedTarget)
	// bypasses binding resolution and goes straight to that session; dispatch
	// !tell and the task executor call RoutePrompt directly instead.
	if !msg.Target.Dispatch && msg.Target.Name != "" {
		reply, err := o.RoutePrompt(ctx, msg.Target.Name, msg.Body)
		if err != nil {
			slog.Error("orchestrator: routed prompt failed", "session", msg.Target.Name, "err", err)
			return
		}
		o.Bus.PublishResponse(bus.Response{SessionName: msg.Target.Name, Content: bus.Complete(reply)})
		return
	}

	platformID, channelID := bus.ExtractSourceIDs(msg.Source)
	if sessionName, bound := o.Bus.ResolveTarget(ctx, platformID, channelID); bound {
		reply, err := o.RoutePrompt(ctx, sessionName, msg.Body)
		if err != nil {
			slog.Error("orchestrator: prompt failed", "session", sessionName, "err", err)
			o.Bus.PublishResponse(bus.Response{SessionName: sessionName, Content: bus.ErrorNotice(err.Error())})
			return
		}
		o.Bus.PublishResponse(bus.Response{SessionName: sessionName, Content: bus.Complete(reply)})
		return
	}

	// Not bound to any session: treat the message body as a DISPATCH command.
	cmd := dispatch.ParseCommand(strings.TrimSpace(msg.Body))
	reply := o.Executor.Execute(ctx, cmd, platformID, channelID)
	o.Bus.PublishResponse(bus.Response{SessionName: "dispatch:" + platformID + ":" + channelID, Content: bus.Complete(reply)})
}

// RoutePrompt implements dispatch.Router: it resolves channelName's backend
// Handle (warming/creating a session as needed) and drains the terminal
// response text, satisfying both !tell and the task executor.
func (o *Orchestrator) RoutePrompt(ctx context.Context, channelName, text string) (string, error) {
	handle, sessionID, err := o.sessionFor(ctx, channelName)
	if err != nil {
		return "", err
	}

	events, err := handle.Prompt(ctx, sessionID, text)
	if err != nil {
		return "", fmt.Errorf("orchestrator: prompt %q: %w", channelName, err)
	}

	var final string
	for {
		ev, ok := events.Recv(ctx)
		if !ok {
			break
		}
		switch ev.Kind {
		case agentevent.KindResult:
			final = ev.ResultText
		case agentevent.KindError:
			final = ev.ErrorMessage
		case agentevent.KindSessionChanged:
			if err := o.Store.UpdateChannelSession(ctx, channelName, ev.NewSessionID); err != nil {
				slog.Warn("orchestrator: persist changed session", "channel", channelName, "err", err)
			}
			o.Warm.Put(channelName, ev.NewSessionID, handle)
			sessionID = ev.NewSessionID
		case agentevent.KindSessionInvalid:
			o.Warm.Evict(channelName)
			handle.AbandonSession(sessionID)
			if ch, err := o.Store.GetChannel(ctx, channelName); err == nil {
				if err := o.Store.ResetOrphanedSession(ctx, ch.RoomID); err != nil {
					slog.Warn("orchestrator: reset orphaned session", "channel", channelName, "err", err)
				}
			} else {
				slog.Warn("orchestrator: look up channel to reset orphaned session", "channel", channelName, "err", err)
			}
			o.Bus.PublishResponse(bus.Response{
				SessionName: channelName,
				Content:     bus.SystemNotice("session was reset: " + ev.ErrorMessage),
			})
			final = ev.ErrorMessage
		}
		if ev.Kind.IsTerminal() {
			if ev.Kind != agentevent.KindSessionInvalid {
				handle.MarkSessionActive(sessionID)
			}
			break
		}
	}
	return final, nil
}

// sessionFor returns the warm (or newly created) Handle+session id backing
// channelName via the Warm-Session Cache, persisting the session id to the
// Store on first creation. ResetOrphanedSession clears ch.SessionID (Evict
// only drops the warm entry), so a cold PrepareSession call after an orphan always
// allocates a fresh backend session rather than retrying a dead one.
func (o *Orchestrator) sessionFor(ctx context.Context, channelName string) (*agent.Handle, string, error) {
	ch, err := o.Store.GetChannel(ctx, channelName)
	if err != nil {
		return nil, "", fmt.Errorf("orchestrator: unknown channel %q: %w", channelName, err)
	}

	backendType := ch.BackendType
	if backendType == "" {
		backendType = "mock"
	}
	factory, ok := o.Factories[backendType]
	if !ok {
		return nil, "", fmt.Errorf("orchestrator: no backend factory registered for %q", backendType)
	}

	persistedSessionID := ch.SessionID
	newHandle := func(ctx context.Context, channelName string) (*agent.Handle, string, error) {
		handle, err := factory(o.rootCtx, channelName, ch.Directory)
		if err != nil {
			return nil, "", fmt.Errorf("orchestrator: build backend %q for %q: %w", backendType, channelName, err)
		}
		if persistedSessionID != "" {
			if err := handle.LoadSession(ctx, persistedSessionID); err != nil {
				return nil, "", fmt.Errorf("orchestrator: load session for %q: %w", channelName, err)
			}
			return handle, persistedSessionID, nil
		}
		sessionID, err := handle.NewSession(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("orchestrator: new session for %q: %w", channelName, err)
		}
		return handle, sessionID, nil
	}

	handle, sessionID, isNew, err := o.Warm.PrepareSession(ctx, channelName, newHandle)
	if err != nil {
		return nil, "", err
	}
	if isNew && persistedSessionID == "" {
		if err := o.Store.UpdateChannelSession(ctx, channelName, sessionID); err != nil {
			return nil, "", fmt.Errorf("orchestrator: persist session for %q: %w", channelName, err)
		}
		if err := o.Store.MarkChannelStarted(ctx, channelName); err != nil {
			slog.Warn("orchestrator: mark channel started", "channel", channelName, "err", err)
		}
	}
	return handle, sessionID, nil
}
