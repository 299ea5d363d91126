// Package directsdk implements the direct-SDK backend: an in-process loop
// that builds the system prompt from workspace bootstrap files, keeps a
// per-session message history in memory, and drives an LLM streaming client
// through tool calls until it emits a final answer.
//
// Grounded on gorp-agent/src/backends/direct_cli.rs's event shape, adapted
// to call an in-process LLMClient instead of shelling out to a CLI, and on
// the teacher's internal/agent/toolloop.go for loop detection.
package directsdk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agentevent"
	"github.com/nextlevelbuilder/agentmux/internal/bootstrap"
	"github.com/nextlevelbuilder/agentmux/internal/tools"
)

// Message is one turn in a session's in-memory conversation history.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// StreamChunk is one piece of an LLMClient's streaming response.
type StreamChunk struct {
	// TextDelta, when non-empty, is appended to the accumulated answer.
	TextDelta string
	// ToolCallID/ToolName/ToolInput, when ToolName is non-empty, request a
	// tool invocation; the loop executes it and feeds the result back.
	ToolCallID string
	ToolName   string
	ToolInput  map[string]interface{}
	// Done marks the end of this turn's stream; Usage may be populated.
	Done  bool
	Usage *agentevent.Usage
}

// LLMClient is the minimal contract the direct-SDK loop needs from an LLM
// provider. Concrete implementations live outside this package (keeping this
// package provider-agnostic, matching the original direct_cli.rs's
// --sdk-url indirection).
type LLMClient interface {
	// Stream sends history plus the tool manifest and returns a channel of
	// chunks terminated by exactly one Done chunk.
	Stream(ctx context.Context, systemPrompt string, history []Message, toolManifest []map[string]interface{}) (<-chan StreamChunk, error)
}

// Config configures a Backend instance.
type Config struct {
	WorkspaceDir  string
	GlobalPrompt  string
	MaxToolRounds int // default 25
}

// Backend is an agent.Worker driving the direct-SDK loop.
type Backend struct {
	cfg    Config
	client LLMClient
	tools  *tools.Registry
	log    *slog.Logger
	enc    *tiktoken.Tiktoken

	mu       sync.Mutex
	sessions map[string][]Message
}

func New(cfg Config, client LLMClient, registry *tools.Registry, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 25
	}
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &Backend{
		cfg:      cfg,
		client:   client,
		tools:    registry,
		log:      log,
		enc:      enc,
		sessions: make(map[string][]Message),
	}
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
		b.sessions[id] = nil
		b.mu.Unlock()
		cmd.ReplySession <- agent.SessionReply{SessionID: id}

	case agent.CmdLoadSession:
		b.mu.Lock()
		if _, ok := b.sessions[cmd.SessionID]; !ok {
			b.sessions[cmd.SessionID] = nil
		}
		b.mu.Unlock()
		cmd.ReplyErr <- nil

	case agent.CmdPrompt:
		cmd.ReplyErr <- nil
		b.runPrompt(ctx, cmd)

	case agent.CmdCancel:
		// Prompts run inline on this goroutine, so a cancel is only seen
		// after the prompt has finished and is acknowledged without action;
		// runPrompt stops early only when the worker's ctx is cancelled.
		cmd.ReplyErr <- nil
	}
}

func (b *Backend) runPrompt(ctx context.Context, cmd agent.Command) {
	defer close(cmd.EventTx)

	b.mu.Lock()
	history := append([]Message{}, b.sessions[cmd.SessionID]...)
	b.mu.Unlock()

	history = append(history, Message{Role: "user", Content: cmd.Text})
	systemPrompt := bootstrap.BuildSystemPrompt(b.cfg.GlobalPrompt, b.cfg.WorkspaceDir, "agent:directsdk:"+cmd.SessionID)

	loopTracker := agent.NewToolLoopTracker()
	var accumulated string
	var finalUsage *agentevent.Usage

	for round := 0; round < b.cfg.MaxToolRounds; round++ {
		manifest := []map[string]interface{}{}
		if b.tools != nil {
			manifest = b.tools.Manifest()
		}

		stream, err := b.client.Stream(ctx, systemPrompt, history, manifest)
		if err != nil {
			cmd.EventTx <- agentevent.Error(agentevent.ErrorCodeBackendError, fmt.Sprintf("LLM stream: %v", err), false)
			return
		}

		var toolCalled bool
		for chunk := range stream {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if chunk.TextDelta != "" {
				accumulated = agentevent.JoinChunk(accumulated, chunk.TextDelta)
				cmd.EventTx <- agentevent.Text(chunk.TextDelta)
			}

			if chunk.ToolName != "" {
				toolCalled = true
				result := b.invokeTool(ctx, chunk.ToolName, chunk.ToolInput)
				cmd.EventTx <- agentevent.ToolStart(chunk.ToolCallID, chunk.ToolName, chunk.ToolInput)
				cmd.EventTx <- agentevent.ToolEnd(chunk.ToolCallID, chunk.ToolName, result.Text)

				level, message := loopTracker.Observe(chunk.ToolName, chunk.ToolInput, result.Text)
				if level == "critical" {
					cmd.EventTx <- agentevent.Error(agentevent.ErrorCodeBackendError, message, false)
					return
				}
				history = append(history, Message{Role: "assistant", Content: fmt.Sprintf("tool_call:%s", chunk.ToolName)})
				toolMsg := result.Text
				if level == "warning" {
					toolMsg = toolMsg + "\n\n" + message
				}
				history = append(history, Message{Role: "tool", Content: toolMsg})
			}

			if chunk.Done {
				finalUsage = chunk.Usage
			}
		}

		if !toolCalled {
			break
		}
	}

	if accumulated == "" {
		accumulated = "(no response)"
	}
	if finalUsage == nil {
		input := systemPrompt
		for _, m := range history {
			input += "\n" + m.Content
		}
		finalUsage = &agentevent.Usage{
			InputTokens:  int64(b.EstimateTokens(input)),
			OutputTokens: int64(b.EstimateTokens(accumulated)),
		}
	}
	history = append(history, Message{Role: "assistant", Content: accumulated})

	b.mu.Lock()
	b.sessions[cmd.SessionID] = history
	b.mu.Unlock()

	cmd.EventTx <- agentevent.Result(accumulated, finalUsage, nil)
}

func (b *Backend) invokeTool(ctx context.Context, name string, args map[string]interface{}) *tools.Result {
	if b.tools == nil {
		return tools.ErrorResult(fmt.Sprintf("no tools registered, cannot call %q", name))
	}
	t, ok := b.tools.Get(name)
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return t.Execute(ctx, args)
}

// EstimateTokens estimates a token count for text, used as a fallback when
// the LLM stream's Usage is nil.
func (b *Backend) EstimateTokens(text string) int {
	if b.enc == nil {
		return len(text) / 4
	}
	return len(b.enc.Encode(text, nil, nil))
}
