// Package agent defines the Backend Handle façade: a Send+Sync-safe handle
// that talks to a single backend worker goroutine over command channels, and
// the per-session initialization arbitration that prevents two concurrent
// first-prompts from double-initializing the same session.
//
// Grounded on gorp-agent/src/handle.rs.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/agentmux/internal/agentevent"
)

// SessionState tracks where a session is in its initialization lifecycle.
type SessionState int

const (
	// SessionNew has been allocated an ID but never prompted.
	SessionNew SessionState = iota
	// SessionFirstPromptInFlight means exactly one caller is running the
	// session's first prompt; everyone else must NOT treat their prompt as
	// the first one.
	SessionFirstPromptInFlight
	// SessionActive has completed at least one prompt.
	SessionActive
)

func (s SessionState) String() string {
	switch s {
	case SessionNew:
		return "new"
	case SessionFirstPromptInFlight:
		return "first_prompt_in_flight"
	case SessionActive:
		return "active"
	default:
		return "unknown"
	}
}

// CommandKind tags the variant carried by a Command sent to the worker.
type CommandKind int

const (
	CmdNewSession CommandKind = iota
	CmdLoadSession
	CmdPrompt
	CmdCancel
)

// Command is the message sent over the worker's command channel. Only one
// worker goroutine ever reads from it, matching the Rust handle's mpsc
// channel to a single non-Send task.
type Command struct {
	Kind CommandKind

	SessionID string
	Text      string
	EventTx   chan<- agentevent.Event

	IsNewSession bool

	ReplySession chan<- SessionReply
	ReplyErr     chan<- error
}

// SessionReply answers a CmdNewSession command.
type SessionReply struct {
	SessionID string
	Err       error
}

// Worker is implemented by each backend (ACP, streaming-JSON CLI, direct-SDK,
// mock). RunCommandLoop owns the single goroutine that processes commands
// sequentially — the Go analogue of the Rust backend's `!Send` local task.
type Worker interface {
	RunCommandLoop(ctx context.Context, commands <-chan Command)
}

// EventReceiver wraps the event channel handed back from Prompt.
type EventReceiver struct {
	ch <-chan agentevent.Event
}

func newEventReceiver(ch <-chan agentevent.Event) *EventReceiver {
	return &EventReceiver{ch: ch}
}

// Recv blocks for the next event, or returns ok=false once the channel is
// closed (after the terminal event has already been delivered).
func (r *EventReceiver) Recv(ctx context.Context) (agentevent.Event, bool) {
	select {
	case ev, ok := <-r.ch:
		return ev, ok
	case <-ctx.Done():
		return agentevent.Event{}, false
	}
}

// TryRecv returns immediately if no event is pending.
func (r *EventReceiver) TryRecv() (agentevent.Event, bool) {
	select {
	case ev, ok := <-r.ch:
		return ev, ok
	default:
		return agentevent.Event{}, false
	}
}

// Handle is the Send+Sync-safe façade callers use to drive a backend. The
// worker goroutine underneath it is started once by NewHandle and lives for the process lifetime (or until its context is
// cancelled).
type Handle struct {
	name string
	tx   chan Command

	mu            sync.RWMutex
	sessionStates map[string]SessionState
}

// NewHandle starts the given worker on a dedicated goroutine and returns a
// handle bound to it. capacity bounds the command channel the same way the
// Rust handle bounds its mpsc channel (back-pressure instead of unbounded
// growth).
func NewHandle(ctx context.Context, name string, w Worker, capacity int) *Handle {
	tx := make(chan Command, capacity)
	h := &Handle{
		name:          name,
		tx:            tx,
		sessionStates: make(map[string]SessionState),
	}
	go w.RunCommandLoop(ctx, tx)
	return h
}

// Name returns the backend's configured name (e.g. "acp", "directsdk").
func (h *Handle) Name() string { return h.name }

// NewSession allocates a fresh session id and marks it New.
func (h *Handle) NewSession(ctx context.Context) (string, error) {
	reply := make(chan SessionReply, 1)
	select {
	case h.tx <- Command{Kind: CmdNewSession, ReplySession: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-reply:
		if r.Err != nil {
			return "", fmt.Errorf("agent: new session: %w", r.Err)
		}
		h.mu.Lock()
		h.sessionStates[r.SessionID] = SessionNew
		h.mu.Unlock()
		return r.SessionID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// LoadSession attaches to a pre-existing backend session id without tracking
// it in sessionStates — mirrors handle.rs's load_session, which is untracked
// because the session is assumed already initialized.
func (h *Handle) LoadSession(ctx context.Context, sessionID string) error {
	reply := make(chan error, 1)
	select {
	case h.tx <- Command{Kind: CmdLoadSession, SessionID: sessionID, ReplyErr: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prompt sends a prompt to the given session and returns an EventReceiver
// streaming the response. The isNewSession flag handed to the worker is
// decided here, atomically, so that two concurrent callers racing on the
// same brand-new session never both believe they own the first prompt.
func (h *Handle) Prompt(ctx context.Context, sessionID, text string) (*EventReceiver, error) {
	isNew, err := h.claimFirstPrompt(sessionID)
	if err != nil {
		return nil, err
	}

	events := make(chan agentevent.Event, 64)
	ack := make(chan error, 1)
	select {
	case h.tx <- Command{
		Kind:         CmdPrompt,
		SessionID:    sessionID,
		Text:         text,
		EventTx:      events,
		IsNewSession: isNew,
		ReplyErr:     ack,
	}:
	case <-ctx.Done():
		h.releaseFirstPrompt(sessionID, false)
		return nil, ctx.Err()
	}

	select {
	case err := <-ack:
		if err != nil {
			h.releaseFirstPrompt(sessionID, false)
			return nil, fmt.Errorf("agent: prompt: %w", err)
		}
	case <-ctx.Done():
		h.releaseFirstPrompt(sessionID, false)
		return nil, ctx.Err()
	}

	out := make(chan agentevent.Event, 64)
	go h.finalizeOnTerminal(sessionID, events, out)
	return newEventReceiver(out), nil
}

// finalizeOnTerminal forwards every event from the worker's channel to the
// caller's receiver, closing it once the worker closes its channel. After
// the stream ends, a session still marked "first prompt in flight" moves to
// SessionActive; the caller normally releases the tracking entry earlier
// through MarkSessionActive when it observes the terminal event.
func (h *Handle) finalizeOnTerminal(sessionID string, events <-chan agentevent.Event, out chan<- agentevent.Event) {
	for ev := range events {
		out <- ev
	}
	close(out)
	h.mu.Lock()
	if h.sessionStates[sessionID] == SessionFirstPromptInFlight {
		h.sessionStates[sessionID] = SessionActive
	}
	h.mu.Unlock()
}

// MarkSessionActive is called by the orchestrator once it observes a
// terminal event for sessionID, bounding the tracking map the same way
// handle.rs removes the tracking entry after the first prompt completes.
func (h *Handle) MarkSessionActive(sessionID string) {
	h.releaseFirstPrompt(sessionID, true)
}

func (h *Handle) claimFirstPrompt(sessionID string) (isNew bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, tracked := h.sessionStates[sessionID]
	if !tracked {
		// Untracked sessions (loaded via LoadSession, or resumed after the
		// tracking entry was already released) are never treated as new.
		return false, nil
	}
	switch state {
	case SessionNew:
		h.sessionStates[sessionID] = SessionFirstPromptInFlight
		return true, nil
	case SessionFirstPromptInFlight:
		// A second caller raced the in-flight first prompt; it proceeds as a
		// resume prompt rather than erroring or double-initializing.
		return false, nil
	case SessionActive:
		return false, nil
	default:
		return false, fmt.Errorf("agent: session %s in unknown state", sessionID)
	}
}

func (h *Handle) releaseFirstPrompt(sessionID string, succeeded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if succeeded {
		delete(h.sessionStates, sessionID)
		return
	}
	if h.sessionStates[sessionID] == SessionFirstPromptInFlight {
		h.sessionStates[sessionID] = SessionNew
	}
}

// Cancel requests that the worker abandon an in-flight prompt for sessionID.
func (h *Handle) Cancel(ctx context.Context, sessionID string) error {
	reply := make(chan error, 1)
	select {
	case h.tx <- Command{Kind: CmdCancel, SessionID: sessionID, ReplyErr: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AbandonSession drops tracking state for a session without cancelling any
// in-flight work, used when the orchestrator decides a session is orphaned.
func (h *Handle) AbandonSession(sessionID string) {
	h.mu.Lock()
	delete(h.sessionStates, sessionID)
	h.mu.Unlock()
}

// TrackedSessionCount reports how many sessions still have initialization
// bookkeeping in memory.
func (h *Handle) TrackedSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionStates)
}

func newSessionID() string {
	return uuid.NewString()
}
