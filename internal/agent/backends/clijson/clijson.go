// Package clijson implements the streaming-JSON CLI backend: a subprocess
// invoked with --output-format stream-json, one JSON object per stdout line.
//
// Grounded on gorp-agent/src/backends/direct_cli.rs.
package clijson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agentevent"
)

// Config configures the CLI backend.
type Config struct {
	Binary     string
	SDKURL     string
	WorkingDir string
}

// Backend drives a single CLI binary's subprocess invocations.
type Backend struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]bool
}

func New(cfg Config, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{cfg: cfg, log: log, sessions: make(map[string]bool)}
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
		b.runPrompt(ctx, cmd)
	case agent.CmdCancel:
		// The CLI process is short-lived per prompt and is not tracked, so
		// a cancel is acknowledged without further action.
		select {
		case cmd.ReplyErr <- nil:
		case <-ctx.Done():
		}
	}
}

func (b *Backend) runPrompt(ctx context.Context, cmd agent.Command) {
	defer close(cmd.EventTx)

	args := []string{"--print", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}
	if !cmd.IsNewSession {
		args = append(args, "--resume", cmd.SessionID)
	}
	if b.cfg.SDKURL != "" {
		args = append(args, "--sdk-url", b.cfg.SDKURL)
	}
	args = append(args, cmd.Text)

	child := exec.CommandContext(ctx, b.cfg.Binary, args...)
	child.Dir = b.cfg.WorkingDir

	stdout, err := child.StdoutPipe()
	if err != nil {
		cmd.EventTx <- agentevent.Error(agentevent.ErrorCodeBackendError, fmt.Sprintf("stdout pipe: %v", err), false)
		return
	}
	stderr, err := child.StderrPipe()
	if err != nil {
		cmd.EventTx <- agentevent.Error(agentevent.ErrorCodeBackendError, fmt.Sprintf("stderr pipe: %v", err), false)
		return
	}
	if err := child.Start(); err != nil {
		cmd.EventTx <- agentevent.Error(agentevent.ErrorCodeBackendError, fmt.Sprintf("start: %v", err), false)
		return
	}

	var wg sync.WaitGroup
	invalidCh := make(chan string, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(line, "No conversation found with session ID") {
				select {
				case invalidCh <- "Session not found":
				default:
				}
			}
			b.log.Debug("clijson stderr", "line", line)
		}
	}()

	accumulated := ""
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case reason := <-invalidCh:
			cmd.EventTx <- agentevent.SessionInvalid(reason)
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			b.log.Warn("clijson: skipping unparseable line", "error", err)
			continue
		}
		ev, newAccum, ok := parseCLIEvent(raw, accumulated)
		accumulated = newAccum
		if ok {
			cmd.EventTx <- ev
		}
	}

	err = child.Wait()
	wg.Wait()

	select {
	case reason := <-invalidCh:
		cmd.EventTx <- agentevent.SessionInvalid(reason)
		return
	default:
	}

	if err != nil {
		cmd.EventTx <- agentevent.Error(agentevent.ErrorCodeBackendError, fmt.Sprintf("CLI exited with error: %v", err), false)
	}
}

// parseCLIEvent translates one parsed stream-json line into zero-or-one
// agentevent.Event, returning the updated text accumulator.
func parseCLIEvent(raw map[string]interface{}, accumulated string) (agentevent.Event, string, bool) {
	typ, _ := raw["type"].(string)
	switch typ {
	case "system":
		if subtype, _ := raw["subtype"].(string); subtype == "init" {
			if sid, ok := raw["session_id"].(string); ok && sid != "" {
				return agentevent.SessionChanged(sid), accumulated, true
			}
		}
		return agentevent.Event{}, accumulated, false

	case "assistant":
		message, _ := raw["message"].(map[string]interface{})
		content, _ := message["content"].([]interface{})
		for _, item := range content {
			block, _ := item.(map[string]interface{})
			switch block["type"] {
			case "tool_use":
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				input, _ := block["input"].(map[string]interface{})
				return agentevent.ToolStart(id, name, input), accumulated, true
			case "text":
				text, _ := block["text"].(string)
				joined := agentevent.JoinChunk(accumulated, text)
				return agentevent.Text(text), joined, true
			}
		}
		return agentevent.Event{}, accumulated, false

	case "result":
		if isErr, _ := raw["is_error"].(bool); isErr {
			message, _ := raw["message"].(string)
			return agentevent.Error(classifyResultError(message), message, false), accumulated, true
		}
		text := accumulated
		if text == "" {
			text, _ = raw["result"].(string)
		}
		usage := extractUsage(raw)
		return agentevent.Result(text, usage, raw), "", true

	default:
		return agentevent.Event{}, accumulated, false
	}
}

func classifyResultError(message string) agentevent.ErrorCode {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "timeout"):
		return agentevent.ErrorCodeTimeout
	case strings.Contains(lower, "rate limit"):
		return agentevent.ErrorCodeRateLimited
	case strings.Contains(lower, "permission"):
		return agentevent.ErrorCodePermissionDenied
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "authentication"), strings.Contains(lower, "401"):
		return agentevent.ErrorCodeAuthFailed
	case message == "":
		return agentevent.ErrorCodeUnknown
	default:
		return agentevent.ErrorCodeBackendError
	}
}

func extractUsage(raw map[string]interface{}) *agentevent.Usage {
	u := &agentevent.Usage{}
	if cost, ok := raw["total_cost_usd"].(float64); ok {
		u.CostUSD = cost
	}
	if usage, ok := raw["usage"].(map[string]interface{}); ok {
		u.InputTokens = asInt64(usage["input_tokens"])
		u.OutputTokens = asInt64(usage["output_tokens"])
		u.CacheReadInputTokens = asInt64(usage["cache_read_input_tokens"])
		u.CacheCreationInputTokens = asInt64(usage["cache_creation_input_tokens"])
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		if modelUsage, ok := raw["modelUsage"].(map[string]interface{}); ok {
			for _, v := range modelUsage {
				per, ok := v.(map[string]interface{})
				if !ok {
					continue
				}
				u.InputTokens += asInt64(per["inputTokens"])
				u.OutputTokens += asInt64(per["outputTokens"])
				u.CacheReadInputTokens += asInt64(per["cacheReadInputTokens"])
				u.CacheCreationInputTokens += asInt64(per["cacheCreationInputTokens"])
			}
		}
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 && u.CostUSD == 0 {
		return nil
	}
	return u
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
