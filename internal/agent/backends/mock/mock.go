// Package mock implements an in-memory agent.Worker used by orchestrator and
// dispatch tests in place of a real backend process.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agentevent"
)

// Responder lets a test script the reply for a given prompt text. If no
// responder is registered, Backend echoes the prompt back as the result.
type Responder func(sessionID, text string, isNewSession bool) []agentevent.Event

// Backend is a deterministic, in-process agent.Worker.
type Backend struct {
	mu        sync.Mutex
	responder Responder
	sessions  map[string]bool
	prompts   []PromptRecord
}

// PromptRecord captures a prompt the mock backend received, for assertions.
type PromptRecord struct {
	SessionID    string
	Text         string
	IsNewSession bool
}

func New() *Backend {
	return &Backend{sessions: make(map[string]bool)}
}

// SetResponder overrides how prompts are answered.
func (b *Backend) SetResponder(r Responder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responder = r
}

// Prompts returns a copy of every prompt received so far.
func (b *Backend) Prompts() []PromptRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PromptRecord, len(b.prompts))
	copy(out, b.prompts)
	return out
}

func (b *Backend) RunCommandLoop(ctx context.Context, commands <-chan agent.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			b.handle(ctx, cmd)
		}
	}
}

func (b *Backend) handle(ctx context.Context, cmd agent.Command) {
	switch cmd.Kind {
	case agent.CmdNewSession:
		id := uuid.NewString()
		b.mu.Lock()
		b.sessions[id] = true
		b.mu.Unlock()
		select {
		case cmd.ReplySession <- agent.SessionReply{SessionID: id}:
		case <-ctx.Done():
		}
	case agent.CmdLoadSession:
		b.mu.Lock()
		b.sessions[cmd.SessionID] = true
		b.mu.Unlock()
		select {
		case cmd.ReplyErr <- nil:
		case <-ctx.Done():
		}
	case agent.CmdPrompt:
		select {
		case cmd.ReplyErr <- nil:
		case <-ctx.Done():
			return
		}
		b.runPrompt(cmd)
	case agent.CmdCancel:
		select {
		case cmd.ReplyErr <- nil:
		case <-ctx.Done():
		}
	}
}

func (b *Backend) runPrompt(cmd agent.Command) {
	defer close(cmd.EventTx)

	b.mu.Lock()
	b.prompts = append(b.prompts, PromptRecord{SessionID: cmd.SessionID, Text: cmd.Text, IsNewSession: cmd.IsNewSession})
	responder := b.responder
	b.mu.Unlock()

	var events []agentevent.Event
	if responder != nil {
		events = responder(cmd.SessionID, cmd.Text, cmd.IsNewSession)
	} else {
		events = []agentevent.Event{
			agentevent.Text(fmt.Sprintf("echo: %s", cmd.Text)),
			agentevent.Result(fmt.Sprintf("echo: %s", cmd.Text), nil, nil),
		}
	}
	for _, ev := range events {
		cmd.EventTx <- ev
	}
}
