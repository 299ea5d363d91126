// Package agentevent defines the canonical event stream emitted by every
// agent backend worker (ACP, streaming-JSON CLI, direct-SDK, mock). A prompt
// turn emits zero or more non-terminal events followed by exactly one
// terminal event (Result, Error, or SessionInvalid; see Kind.IsTerminal).
package agentevent

import "fmt"

// Kind tags the variant carried by an Event.
type Kind string

const (
	KindText          Kind = "text"
	KindToolStart      Kind = "tool_start"
	KindToolEnd        Kind = "tool_end"
	KindToolProgress   Kind = "tool_progress"
	KindResult         Kind = "result"
	KindError          Kind = "error"
	KindSessionInvalid Kind = "session_invalid"
	KindSessionChanged Kind = "session_changed"
	KindCustom         Kind = "custom"
)

// IsTerminal reports whether an event of this kind ends the stream.
func (k Kind) IsTerminal() bool {
	return k == KindResult || k == KindError || k == KindSessionInvalid
}

// ErrorCode classifies Error events for orchestrator-level handling.
type ErrorCode string

const (
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeRateLimited      ErrorCode = "rate_limited"
	ErrorCodeAuthFailed       ErrorCode = "auth_failed"
	ErrorCodePermissionDenied ErrorCode = "permission_denied"
	ErrorCodeBackendError     ErrorCode = "backend_error"
	ErrorCodeSessionOrphaned  ErrorCode = "session_orphaned"
	ErrorCodeUnknown          ErrorCode = "unknown"
)

// Usage carries token/cost accounting, when the backend reports it.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
	CostUSD                  float64
}

// Event is the single type flowing out of every backend worker's event
// channel. Only the fields relevant to Kind are populated; callers should
// switch on Kind rather than probe fields directly.
type Event struct {
	Kind Kind

	// KindText / accumulated chunk text.
	Text string

	// KindToolStart / KindToolEnd / KindToolProgress.
	ToolCallID string
	ToolName   string
	ToolInput  map[string]interface{}
	ToolOutput string

	// KindResult.
	ResultText string
	Usage      *Usage
	Metadata   map[string]interface{}

	// KindError / KindSessionInvalid.
	ErrorCode    ErrorCode
	ErrorMessage string
	Recoverable  bool

	// KindSessionChanged.
	NewSessionID string

	// KindCustom.
	CustomType    string
	CustomPayload map[string]interface{}
}

func Text(text string) Event { return Event{Kind: KindText, Text: text} }

func ToolStart(id, name string, input map[string]interface{}) Event {
	return Event{Kind: KindToolStart, ToolCallID: id, ToolName: name, ToolInput: input}
}

func ToolEnd(id, name, output string) Event {
	return Event{Kind: KindToolEnd, ToolCallID: id, ToolName: name, ToolOutput: output}
}

func ToolProgress(id, name, output string) Event {
	return Event{Kind: KindToolProgress, ToolCallID: id, ToolName: name, ToolOutput: output}
}

func Result(text string, usage *Usage, metadata map[string]interface{}) Event {
	return Event{Kind: KindResult, ResultText: text, Usage: usage, Metadata: metadata}
}

func Error(code ErrorCode, message string, recoverable bool) Event {
	return Event{Kind: KindError, ErrorCode: code, ErrorMessage: message, Recoverable: recoverable}
}

func SessionInvalid(reason string) Event {
	return Event{Kind: KindSessionInvalid, ErrorCode: ErrorCodeSessionOrphaned, ErrorMessage: reason}
}

func SessionChanged(newSessionID string) Event {
	return Event{Kind: KindSessionChanged, NewSessionID: newSessionID}
}

func Custom(customType string, payload map[string]interface{}) Event {
	return Event{Kind: KindCustom, CustomType: customType, CustomPayload: payload}
}

func (e Event) String() string {
	switch e.Kind {
	case KindText:
		return fmt.Sprintf("Text(%q)", e.Text)
	case KindToolStart:
		return fmt.Sprintf("ToolStart(%s/%s)", e.ToolCallID, e.ToolName)
	case KindToolEnd:
		return fmt.Sprintf("ToolEnd(%s/%s)", e.ToolCallID, e.ToolName)
	case KindToolProgress:
		return fmt.Sprintf("ToolProgress(%s/%s)", e.ToolCallID, e.ToolName)
	case KindResult:
		return fmt.Sprintf("Result(%d chars)", len(e.ResultText))
	case KindError:
		return fmt.Sprintf("Error(%s: %s)", e.ErrorCode, e.ErrorMessage)
	case KindSessionInvalid:
		return fmt.Sprintf("SessionInvalid(%s)", e.ErrorMessage)
	case KindSessionChanged:
		return fmt.Sprintf("SessionChanged(%s)", e.NewSessionID)
	case KindCustom:
		return fmt.Sprintf("Custom(%s)", e.CustomType)
	default:
		return "Event(unknown)"
	}
}

// JoinChunk appends next to acc using the whitespace heuristic shared by the
// streaming-JSON and direct-SDK backends: a space is inserted iff acc is
// non-empty, doesn't already end in whitespace, and next doesn't start with
// whitespace or ASCII punctuation.
func JoinChunk(acc, next string) string {
	if acc == "" || next == "" {
		return acc + next
	}
	lastRune := []rune(acc)[len([]rune(acc))-1]
	firstRune := []rune(next)[0]
	if isSpace(lastRune) || isSpace(firstRune) || isASCIIPunct(firstRune) {
		return acc + next
	}
	return acc + " " + next
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func isASCIIPunct(r rune) bool {
	return r >= '!' && r <= '/' ||
		r >= ':' && r <= '@' ||
		r >= '[' && r <= '`' ||
		r >= '{' && r <= '~'
}
