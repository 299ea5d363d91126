// Package acp implements the Agent Client Protocol backend: a JSON-RPC 2.0
// subprocess communicating over stdin/stdout, one message per line.
//
// Grounded on gorp-agent/src/backends/acp.rs. Go has no `!Send` future
// constraint, but the duplex stdio codec is still unsafe for concurrent
// readers/writers, so writes to stdin are serialized by a mutex while each
// in-flight prompt runs on its own goroutine — the Go analogue of the Rust
// client's tokio::select! between the prompt future and cancellation.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agentevent"
)

// Config configures the ACP backend.
type Config struct {
	Binary     string
	TimeoutSec int // default 300
	WorkingDir string
	// PermissionPolicy is an optional CEL expression evaluated against
	// {"tool_name": string, "option_kinds": []string} when a
	// request_permission call offers no "allow_once" option: true approves
	// the first offered option, false cancels the request. Without a policy,
	// or when the expression does not evaluate to a bool, the first offered
	// option is chosen.
	PermissionPolicy string
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// rpcRequest/rpcResponse model JSON-RPC 2.0 envelopes exchanged over stdio.
// rpcResponse also doubles as the envelope for server-initiated requests and
// notifications (Method is non-empty in that case).
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Backend owns one ACP subprocess and its JSON-RPC transport.
type Backend struct {
	cfg Config
	log *slog.Logger

	policy cel.Program

	writeMu sync.Mutex

	mu sync.Mutex
	// sessions maps the Handle-level session id to the ACP subprocess's own
	// session id. They are identical for a freshly created session; they
	// diverge when a persisted session id fails to session/load and a new
	// ACP session is created in its place.
	sessions map[string]string
	// pendingSessionChanged holds a one-shot note that the next prompt for a
	// Handle-level session id must announce via agentevent.SessionChanged
	// before running, because session/load fell back to a new ACP session.
	pendingSessionChanged map[string]string
	// activeEvents maps an ACP session id currently running a prompt to the
	// event channel handleInbound should forward session/update content to.
	activeEvents map[string]chan<- agentevent.Event

	nextID int64
}

func New(cfg Config, log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Backend{
		cfg:                   cfg,
		log:                   log,
		sessions:              make(map[string]string),
		pendingSessionChanged: make(map[string]string),
		activeEvents:          make(map[string]chan<- agentevent.Event),
	}
	if cfg.PermissionPolicy != "" {
		prg, err := compilePolicy(cfg.PermissionPolicy)
		if err != nil {
			return nil, fmt.Errorf("acp: compiling permission policy: %w", err)
		}
		b.policy = prg
	}
	return b, nil
}

func compilePolicy(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("option_kinds", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return env.Program(ast)
}

func (b *Backend) RunCommandLoop(ctx context.Context, commands <-chan agent.Command) {
	child, stdin, stdout, err := b.spawn(ctx)
	if err != nil {
		b.log.Error("acp: failed to start subprocess", "error", err)
		b.drainWithStartupError(ctx, commands, err)
		return
	}
	defer child.Wait()
	defer stdin.Close()

	pending := newPendingReplies()
	go b.readLoop(ctx, stdin, stdout, pending)

	if _, err := b.callWithTimeout(ctx, stdin, pending, "initialize", map[string]interface{}{
		"protocolVersion":    1,
		"clientCapabilities": map[string]interface{}{},
	}); err != nil {
		b.log.Error("acp: initialize failed", "error", err)
		b.drainWithStartupError(ctx, commands, fmt.Errorf("acp: initialize: %w", err))
		return
	}
	b.log.Info("acp: connection initialized")

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			if cmd.Kind == agent.CmdPrompt {
				// Runs on its own goroutine so a CmdCancel for this or any
				// other session isn't stuck behind a blocked session/prompt
				// call; stdin writes are serialized by writeMu regardless.
				go b.handlePrompt(ctx, stdin, pending, cmd)
				continue
			}
			b.handle(ctx, stdin, pending, cmd)
		}
	}
}

func (b *Backend) drainWithStartupError(ctx context.Context, commands <-chan agent.Command, startErr error) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			switch cmd.Kind {
			case agent.CmdNewSession:
				cmd.ReplySession <- agent.SessionReply{Err: startErr}
			default:
				if cmd.ReplyErr != nil {
					cmd.ReplyErr <- startErr
				}
				if cmd.EventTx != nil {
					close(cmd.EventTx)
				}
			}
		}
	}
}

func (b *Backend) spawn(ctx context.Context) (*exec.Cmd, *bufio.Writer, *bufio.Reader, error) {
	child := exec.Command(b.cfg.Binary)
	child.Dir = b.cfg.WorkingDir
	stdinPipe, err := child.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdoutPipe, err := child.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := child.Start(); err != nil {
		return nil, nil, nil, err
	}
	return child, bufio.NewWriter(stdinPipe), bufio.NewReader(stdoutPipe), nil
}

type pendingReplies struct {
	mu sync.Mutex
	m  map[int64]chan rpcResponse
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{m: make(map[int64]chan rpcResponse)}
}

func (p *pendingReplies) register(id int64) chan rpcResponse {
	ch := make(chan rpcResponse, 1)
	p.mu.Lock()
	p.m[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingReplies) resolve(id int64, resp rpcResponse) {
	p.mu.Lock()
	ch, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (b *Backend) readLoop(ctx context.Context, stdin *bufio.Writer, stdout *bufio.Reader, pending *pendingReplies) {
	for {
		line, err := stdout.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			b.log.Warn("acp: unparseable line from subprocess", "error", err)
			continue
		}
		if resp.Method != "" {
			// Server-initiated notification or request (session/update,
			// session/request_permission, fs/write_text_file, ...).
			b.handleInbound(ctx, stdin, resp)
			continue
		}
		if id, ok := idAsInt64(resp.ID); ok {
			pending.resolve(id, resp)
		}
	}
}

func idAsInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func (b *Backend) handle(ctx context.Context, stdin *bufio.Writer, pending *pendingReplies, cmd agent.Command) {
	switch cmd.Kind {
	case agent.CmdNewSession:
		id, err := b.newSession(ctx, stdin, pending)
		if err != nil {
			cmd.ReplySession <- agent.SessionReply{Err: fmt.Errorf("acp: session/new: %w", err)}
			return
		}
		b.mu.Lock()
		b.sessions[id] = id
		b.mu.Unlock()
		cmd.ReplySession <- agent.SessionReply{SessionID: id}

	case agent.CmdLoadSession:
		b.loadSession(ctx, stdin, pending, cmd)

	case agent.CmdCancel:
		b.mu.Lock()
		realID := b.sessions[cmd.SessionID]
		b.mu.Unlock()
		if realID == "" {
			realID = cmd.SessionID
		}
		_ = b.call(stdin, pending, "session/cancel", map[string]interface{}{"sessionId": realID})
		cmd.ReplyErr <- nil
	}
}

// newSession issues session/new and returns the subprocess's own session id,
// matching acp.rs's AcpClient::new_session.
func (b *Backend) newSession(ctx context.Context, stdin *bufio.Writer, pending *pendingReplies) (string, error) {
	resp, err := b.callWithTimeout(ctx, stdin, pending, "session/new", map[string]interface{}{
		"cwd": b.cfg.WorkingDir,
	})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%s", resp.Error.Message)
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.SessionID == "" {
		return "", fmt.Errorf("malformed session/new response")
	}
	return result.SessionID, nil
}

// loadSession issues session/load for a previously persisted session id,
// falling back to session/new (and noting the id change for the next
// prompt) if the subprocess no longer knows about it, matching acp.rs's
// load_session-then-new_session fallback in run_acp_worker.
func (b *Backend) loadSession(ctx context.Context, stdin *bufio.Writer, pending *pendingReplies, cmd agent.Command) {
	resp, err := b.callWithTimeout(ctx, stdin, pending, "session/load", map[string]interface{}{
		"sessionId": cmd.SessionID,
		"cwd":       b.cfg.WorkingDir,
	})
	if err == nil && resp.Error == nil {
		b.mu.Lock()
		b.sessions[cmd.SessionID] = cmd.SessionID
		b.mu.Unlock()
		cmd.ReplyErr <- nil
		return
	}
	b.log.Warn("acp: session/load failed, creating a new session", "session_id", cmd.SessionID)
	newID, newErr := b.newSession(ctx, stdin, pending)
	if newErr != nil {
		cmd.ReplyErr <- fmt.Errorf("acp: session/load failed and fallback session/new failed: %w", newErr)
		return
	}
	b.mu.Lock()
	b.sessions[cmd.SessionID] = newID
	b.pendingSessionChanged[cmd.SessionID] = newID
	b.mu.Unlock()
	cmd.ReplyErr <- nil
}

func (b *Backend) handlePrompt(ctx context.Context, stdin *bufio.Writer, pending *pendingReplies, cmd agent.Command) {
	cmd.ReplyErr <- nil
	b.runPrompt(ctx, stdin, pending, cmd)
}

func (b *Backend) runPrompt(ctx context.Context, stdin *bufio.Writer, pending *pendingReplies, cmd agent.Command) {
	defer close(cmd.EventTx)

	b.mu.Lock()
	realID, tracked := b.sessions[cmd.SessionID]
	changedTo, changed := b.pendingSessionChanged[cmd.SessionID]
	if changed {
		delete(b.pendingSessionChanged, cmd.SessionID)
	}
	if !tracked {
		realID = cmd.SessionID
	}
	if changed {
		realID = changedTo
	}
	b.activeEvents[realID] = cmd.EventTx
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.activeEvents, realID)
		b.mu.Unlock()
	}()

	if changed {
		cmd.EventTx <- agentevent.SessionChanged(changedTo)
	}

	params := map[string]interface{}{
		"sessionId": realID,
		"prompt":    []map[string]interface{}{{"type": "text", "text": cmd.Text}},
	}
	resp, err := b.callWithTimeout(ctx, stdin, pending, "session/prompt", params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			cmd.EventTx <- agentevent.Error(agentevent.ErrorCodeTimeout, err.Error(), true)
		} else {
			cmd.EventTx <- agentevent.Error(agentevent.ErrorCodeBackendError, err.Error(), false)
		}
		return
	}
	if resp.Error != nil {
		cmd.EventTx <- agentevent.Error(classifyRPCError(resp.Error.Code, resp.Error.Message), resp.Error.Message, false)
		return
	}

	var result struct {
		StopReason string `json:"stopReason"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	cmd.EventTx <- agentevent.Result(result.StopReason, nil, map[string]interface{}{"stopReason": result.StopReason})
}

// classifyRPCError maps a JSON-RPC error from the subprocess onto an
// agentevent.ErrorCode using the same message substrings as
// clijson.classifyResultError, except that JSON-RPC code -32001 and the auth
// substrings are checked first and there is no "timeout" case (runPrompt
// reports a call that outlives Config.TimeoutSec as ErrorCodeTimeout).
func classifyRPCError(code int, message string) agentevent.ErrorCode {
	lower := strings.ToLower(message)
	switch {
	case code == -32001, strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"),
		strings.Contains(lower, "invalid api key"), strings.Contains(lower, "401"):
		return agentevent.ErrorCodeAuthFailed
	case strings.Contains(lower, "permission"):
		return agentevent.ErrorCodePermissionDenied
	case strings.Contains(lower, "rate limit"):
		return agentevent.ErrorCodeRateLimited
	case message == "":
		return agentevent.ErrorCodeUnknown
	default:
		return agentevent.ErrorCodeBackendError
	}
}

func (b *Backend) callWithTimeout(ctx context.Context, stdin *bufio.Writer, pending *pendingReplies, method string, params interface{}) (rpcResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.timeout())
	defer cancel()

	id := atomic.AddInt64(&b.nextID, 1)
	raw, _ := json.Marshal(params)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	ch := pending.register(id)
	if err := b.write(stdin, req); err != nil {
		return rpcResponse{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return rpcResponse{}, ctx.Err()
	}
}

func (b *Backend) call(stdin *bufio.Writer, pending *pendingReplies, method string, params interface{}) error {
	id := atomic.AddInt64(&b.nextID, 1)
	raw, _ := json.Marshal(params)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	return b.write(stdin, req)
}

// write serializes every stdin write behind writeMu: once CmdPrompt handling
// moved onto its own goroutine (see RunCommandLoop), the main command loop
// and any in-flight prompt goroutine can both be writing requests at once.
func (b *Backend) write(stdin *bufio.Writer, v interface{}) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(data); err != nil {
		return err
	}
	if _, err := stdin.WriteString("\n"); err != nil {
		return err
	}
	return stdin.Flush()
}

func (b *Backend) replyInbound(stdin *bufio.Writer, id interface{}, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: raw}
	if err := b.write(stdin, resp); err != nil {
		b.log.Warn("acp: failed to write inbound RPC response", "error", err)
	}
}

func (b *Backend) replyInboundError(stdin *bufio.Writer, id interface{}, code int, message string) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
	if err := b.write(stdin, resp); err != nil {
		b.log.Warn("acp: failed to write inbound RPC error response", "error", err)
	}
}

type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type sessionUpdatePayload struct {
	SessionUpdate string `json:"sessionUpdate"`
	Content       struct {
		Text string `json:"text"`
	} `json:"content"`
	ToolCallID string                 `json:"toolCallId"`
	Title      string                 `json:"title"`
	RawInput   map[string]interface{} `json:"rawInput"`
}

type requestPermissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string `json:"toolCallId"`
		Title      string `json:"title"`
	} `json:"toolCall"`
	Options []struct {
		OptionID string `json:"optionId"`
		Kind     string `json:"kind"`
	} `json:"options"`
}

type writeTextFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// handleInbound processes server-initiated JSON-RPC calls: session/update
// notifications are translated into agentevent.Text/ToolStart on the
// in-flight prompt's event channel, and the client-side methods ACP requires
// us to answer (session/request_permission, fs/write_text_file) get a real
// RPC response written back over stdin — a real ACP subprocess blocks on
// that reply, so leaving it unanswered wedges the session.
func (b *Backend) handleInbound(ctx context.Context, stdin *bufio.Writer, msg rpcResponse) {
	switch msg.Method {
	case "session/update":
		b.handleSessionUpdate(msg)
	case "session/request_permission":
		b.handleRequestPermission(stdin, msg)
	case "fs/write_text_file":
		b.handleWriteTextFile(stdin, msg)
	default:
		b.log.Debug("acp: ignoring unhandled inbound method", "method", msg.Method)
	}
}

func (b *Backend) handleSessionUpdate(msg rpcResponse) {
	var params sessionUpdateParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		b.log.Warn("acp: malformed session/update", "error", err)
		return
	}
	var payload sessionUpdatePayload
	_ = json.Unmarshal(params.Update, &payload)

	b.mu.Lock()
	tx, ok := b.activeEvents[params.SessionID]
	b.mu.Unlock()
	if !ok {
		b.log.Debug("acp: session/update for a session with no in-flight prompt", "session_id", params.SessionID)
		return
	}

	switch payload.SessionUpdate {
	case "agent_message_chunk", "agent_thought_chunk":
		if payload.Content.Text != "" {
			tx <- agentevent.Text(payload.Content.Text)
		}
	case "tool_call":
		tx <- agentevent.ToolStart(payload.ToolCallID, payload.Title, payload.RawInput)
	default:
		b.log.Debug("acp: ignoring unhandled session/update variant", "kind", payload.SessionUpdate)
	}
}

func (b *Backend) handleRequestPermission(stdin *bufio.Writer, msg rpcResponse) {
	var params requestPermissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		b.log.Warn("acp: malformed session/request_permission", "error", err)
		b.replyInboundError(stdin, msg.ID, -32602, "invalid params")
		return
	}

	kinds := make([]string, len(params.Options))
	idByKind := make(map[string]string, len(params.Options))
	for i, opt := range params.Options {
		kinds[i] = opt.Kind
		idByKind[opt.Kind] = opt.OptionID
	}

	chosenKind, ok := b.decidePermission(params.ToolCall.Title, kinds)
	if !ok {
		b.replyInbound(stdin, msg.ID, map[string]interface{}{
			"outcome": map[string]interface{}{"outcome": "cancelled"},
		})
		return
	}
	b.replyInbound(stdin, msg.ID, map[string]interface{}{
		"outcome": map[string]interface{}{
			"outcome":  "selected",
			"optionId": idByKind[chosenKind],
		},
	})
}

func (b *Backend) handleWriteTextFile(stdin *bufio.Writer, msg rpcResponse) {
	var params writeTextFileParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		b.log.Warn("acp: malformed fs/write_text_file", "error", err)
		b.replyInboundError(stdin, msg.ID, -32602, "invalid params")
		return
	}
	if err := b.checkWritePath(params.Path); err != nil {
		b.log.Warn("acp: rejected write_text_file outside working dir", "path", params.Path, "error", err)
		b.replyInboundError(stdin, msg.ID, -32602, err.Error())
		return
	}
	full := filepath.Join(b.cfg.WorkingDir, params.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		b.log.Error("acp: failed to create parent directories", "path", full, "error", err)
		b.replyInboundError(stdin, msg.ID, -32603, err.Error())
		return
	}
	if err := os.WriteFile(full, []byte(params.Content), 0o644); err != nil {
		b.log.Error("acp: failed to write file", "path", full, "error", err)
		b.replyInboundError(stdin, msg.ID, -32603, err.Error())
		return
	}
	b.replyInbound(stdin, msg.ID, map[string]interface{}{})
}

// checkWritePath guards against the agent writing outside its working
// directory, mirroring acp.rs's write_text_file canonicalization check.
func (b *Backend) checkWritePath(path string) error {
	abs := filepath.Join(b.cfg.WorkingDir, path)
	rel, err := filepath.Rel(b.cfg.WorkingDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path escapes working directory: %s", path)
	}
	return nil
}

// decidePermission picks an option kind for a request_permission call: an
// "allow_once"-kind option if present, else the CEL policy's verdict (first
// offered option when true, no option when false), else the first offered
// option, matching acp.rs's fallback order.
func (b *Backend) decidePermission(toolName string, optionKinds []string) (string, bool) {
	for _, k := range optionKinds {
		if k == "allow_once" {
			return k, true
		}
	}
	if b.policy != nil {
		out, _, err := b.policy.Eval(map[string]interface{}{
			"tool_name":    toolName,
			"option_kinds": optionKinds,
		})
		if err == nil {
			if allowed, ok := out.Value().(bool); ok {
				if !allowed || len(optionKinds) == 0 {
					return "", false
				}
				return optionKinds[0], true
			}
		}
	}
	if len(optionKinds) > 0 {
		return optionKinds[0], true
	}
	return "", false
}
