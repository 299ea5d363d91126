package slack

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentmux/internal/bus"
	"github.com/nextlevelbuilder/agentmux/internal/channels"
	"github.com/nextlevelbuilder/agentmux/internal/config"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	base := channels.NewBaseChannel("slack", bus.New(4), nil)
	ch, err := New(config.SlackConfig{BotToken: "xoxb-test", AppToken: "xapp-test"}, base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func TestSendFailsWhenNotRunning(t *testing.T) {
	ch := newTestChannel(t)
	if err := ch.Send(context.Background(), "C1", "hello"); err == nil {
		t.Fatal("expected an error when the bot isn't running")
	}
}

func TestChunkTextUnderLimitReturnsSingleChunk(t *testing.T) {
	chunks := chunkText("short", 100)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("got %v", chunks)
	}
}

func TestChunkTextSplitsAtNewlineWhenPastHalfway(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := chunkText(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %v", len(chunks), chunks)
	}
	if strings.Contains(chunks[0], "b") || strings.Contains(chunks[1], "a") {
		t.Fatalf("split crossed content boundary: %v", chunks)
	}
}

func TestChunkTextEveryChunkFitsMaxLen(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	chunks := chunkText(text, 4000)
	for i, c := range chunks {
		if len(c) > 4000 {
			t.Fatalf("chunk %d length %d exceeds maxLen", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("chunks should reassemble to the exact original text (no boundary trimming in chunkText)")
	}
}

func TestLastNewlineFindsLastOccurrence(t *testing.T) {
	if got := lastNewline("a\nb\nc"); got != 3 {
		t.Fatalf("lastNewline = %d, want 3", got)
	}
}

func TestLastNewlineReturnsMinusOneWhenAbsent(t *testing.T) {
	if got := lastNewline("abc"); got != -1 {
		t.Fatalf("lastNewline = %d, want -1", got)
	}
}
