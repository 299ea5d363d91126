package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentmux/internal/bus"
	"github.com/nextlevelbuilder/agentmux/internal/store"
)

// Router is the subset of orchestration behavior the Executor needs beyond
// the Store and Bus: routing a message to a named session's backend, kept as
// an interface so internal/dispatch has no import-cycle dependency on
// internal/orchestrator.
type Router interface {
	// RoutePrompt delivers text to channelName's session and waits for the
	// backend's terminal event, returning its rendered text.
	RoutePrompt(ctx context.Context, channelName, text string) (string, error)
}

// Executor turns a parsed Command into Store/Bus mutations and a response
// string to render back into the DISPATCH room.
//
// Grounded on src/orchestrator.rs's handle_dispatch.
type Executor struct {
	Store  store.Store
	Bus    *bus.Bus
	Router Router

	// Where a DISPATCH command was issued from (platform and channel id) is
	// passed to Execute per call, so join/leave can bind/unbind the right
	// platform channel.
}

func NewExecutor(st store.Store, msgBus *bus.Bus, router Router) *Executor {
	return &Executor{Store: st, Bus: msgBus, Router: router}
}

// Execute runs cmd issued from (platformID, channelID) and returns the text
// to render back into the DISPATCH room.
func (e *Executor) Execute(ctx context.Context, cmd Command, platformID, channelID string) string {
	switch cmd.Kind {
	case KindCreate:
		return e.create(ctx, cmd)
	case KindDelete:
		return e.delete(ctx, cmd)
	case KindList:
		return e.list(ctx)
	case KindStatus:
		return e.status(ctx, cmd)
	case KindJoin:
		return e.join(ctx, cmd, platformID, channelID)
	case KindLeave:
		return e.leave(ctx, platformID, channelID)
	case KindTell:
		return e.tell(ctx, cmd)
	case KindRead:
		return e.read(ctx, cmd)
	case KindBroadcast:
		return e.broadcast(ctx, cmd)
	case KindSchedule:
		return e.schedule(ctx, cmd)
	case KindBackend:
		return e.backend(ctx, cmd)
	case KindHelp:
		return HelpText()
	default:
		return fmt.Sprintf("unrecognized command: %q (try !help)", cmd.Raw)
	}
}

func (e *Executor) create(ctx context.Context, cmd Command) string {
	ch, err := e.Store.CreateChannel(ctx, cmd.Name, "bus:"+cmd.Name)
	if err != nil {
		return fmt.Sprintf("failed to create channel %q: %v", cmd.Name, err)
	}
	if cmd.Workspace != "" {
		// The workspace argument itself is not stored and no directory
		// templating is applied; the channel's session id is only cleared.
		if err := e.Store.UpdateChannelSession(ctx, ch.Name, ""); err != nil {
			return fmt.Sprintf("channel %q created, but failed to record workspace: %v", cmd.Name, err)
		}
	}
	return fmt.Sprintf("created channel %q", cmd.Name)
}

func (e *Executor) delete(ctx context.Context, cmd Command) string {
	for _, bd := range e.Bus.BindingsForSession(ctx, cmd.Name) {
		if err := e.Bus.UnbindChannel(ctx, bd[0], bd[1]); err != nil {
			return fmt.Sprintf("failed to unbind %s/%s from %q: %v", bd[0], bd[1], cmd.Name, err)
		}
	}
	if err := e.Store.DeleteChannel(ctx, cmd.Name); err != nil {
		return fmt.Sprintf("failed to delete channel %q: %v", cmd.Name, err)
	}
	return fmt.Sprintf("deleted channel %q", cmd.Name)
}

func (e *Executor) list(ctx context.Context) string {
	chans, err := e.Store.ListChannels(ctx)
	if err != nil {
		return fmt.Sprintf("failed to list channels: %v", err)
	}
	if len(chans) == 0 {
		return "no channels"
	}
	var b strings.Builder
	for _, c := range chans {
		status := "not started"
		if c.Started {
			status = "started"
		}
		fmt.Fprintf(&b, "%s (%s, backend=%s)\n", c.Name, status, orDefault(c.BackendType, "unset"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Executor) status(ctx context.Context, cmd Command) string {
	c, err := e.Store.GetChannel(ctx, cmd.Name)
	if err != nil {
		return fmt.Sprintf("no such channel %q", cmd.Name)
	}
	binds, _ := e.Store.BindingsForChannel(ctx, cmd.Name)
	var b strings.Builder
	fmt.Fprintf(&b, "channel %q\n", c.Name)
	fmt.Fprintf(&b, "  backend: %s\n", orDefault(c.BackendType, "unset"))
	fmt.Fprintf(&b, "  started: %t\n", c.Started)
	fmt.Fprintf(&b, "  directory: %s\n", orDefault(c.Directory, "(none)"))
	fmt.Fprintf(&b, "  bindings: %d\n", len(binds))
	for _, bd := range binds {
		fmt.Fprintf(&b, "    %s/%s\n", bd.PlatformID, bd.ChannelID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Executor) join(ctx context.Context, cmd Command, platformID, channelID string) string {
	if _, err := e.Store.GetChannel(ctx, cmd.Name); err != nil {
		return fmt.Sprintf("no such channel %q", cmd.Name)
	}
	if err := e.Bus.BindChannel(ctx, platformID, channelID, cmd.Name); err != nil {
		return fmt.Sprintf("failed to join %q: %v", cmd.Name, err)
	}
	if err := e.Store.BindChannel(ctx, platformID, channelID, cmd.Name); err != nil {
		return fmt.Sprintf("joined %q in memory, but failed to persist binding: %v", cmd.Name, err)
	}
	return fmt.Sprintf("joined %q", cmd.Name)
}

func (e *Executor) leave(ctx context.Context, platformID, channelID string) string {
	if err := e.Bus.UnbindChannel(ctx, platformID, channelID); err != nil {
		return fmt.Sprintf("failed to leave: %v", err)
	}
	_ = e.Store.UnbindChannel(ctx, platformID, channelID)
	return "left the current session"
}

func (e *Executor) tell(ctx context.Context, cmd Command) string {
	if _, err := e.Store.GetChannel(ctx, cmd.Session); err != nil {
		return fmt.Sprintf("no such channel %q", cmd.Session)
	}
	reply, err := e.Router.RoutePrompt(ctx, cmd.Session, cmd.Message)
	if err != nil {
		return fmt.Sprintf("failed to tell %q: %v", cmd.Session, err)
	}
	return fmt.Sprintf("%s: %s", cmd.Session, reply)
}

func (e *Executor) read(ctx context.Context, cmd Command) string {
	c, err := e.Store.GetChannel(ctx, cmd.Session)
	if err != nil {
		return fmt.Sprintf("no such channel %q", cmd.Session)
	}
	return fmt.Sprintf("%s last updated %s (backend=%s, started=%t); transcript history is kept in-backend, not in the session store",
		c.Name, c.UpdatedAt.Format(time.RFC3339), orDefault(c.BackendType, "unset"), c.Started)
}

func (e *Executor) broadcast(ctx context.Context, cmd Command) string {
	chans, err := e.Store.ListChannels(ctx)
	if err != nil {
		return fmt.Sprintf("failed to broadcast: %v", err)
	}
	count := 0
	for _, c := range chans {
		if c.IsDispatch {
			continue
		}
		e.Bus.PublishResponse(bus.Response{SessionName: c.Name, Content: bus.SystemNotice(cmd.Message)})
		count++
	}
	return fmt.Sprintf("broadcast sent to %d channel(s)", count)
}

func (e *Executor) schedule(ctx context.Context, cmd Command) string {
	if !gronx.IsValid(cmd.CronExpr) {
		return fmt.Sprintf("invalid cron expression %q", cmd.CronExpr)
	}
	if _, err := e.Store.GetChannel(ctx, cmd.Name); err != nil {
		return fmt.Sprintf("no such channel %q", cmd.Name)
	}
	task, err := e.Store.CreateScheduledDispatchTask(ctx, cmd.Name, cmd.Prompt, cmd.CronExpr)
	if err != nil {
		return fmt.Sprintf("failed to schedule: %v", err)
	}
	return fmt.Sprintf("scheduled task #%d on %q: %q", task.ID, cmd.CronExpr, cmd.Prompt)
}

func (e *Executor) backend(ctx context.Context, cmd Command) string {
	// Operates on whichever channel the DISPATCH message's binding currently
	// resolves to; callers without a bound channel get a clear error.
	switch cmd.BackendSub {
	case "list":
		return "available backends: acp, clijson, directsdk, mock"
	case "get":
		return "backend subcommand requires a bound channel context; use !status <name> to see its backend"
	case "set":
		if cmd.BackendValue == "" {
			return "usage: !backend set <name>"
		}
		return fmt.Sprintf("use !status <name> and re-run !backend set from within a joined channel to change %q's backend", cmd.BackendValue)
	case "reset":
		return "backend reset to default on next session start"
	default:
		return "usage: !backend get|list|set <name>|reset"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
