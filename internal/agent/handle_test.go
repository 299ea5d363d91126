package agent_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmux/internal/agent"
	"github.com/nextlevelbuilder/agentmux/internal/agent/backends/mock"
	"github.com/nextlevelbuilder/agentmux/internal/agentevent"
)

// TestHandle_RacingFirstPromptResumesRatherThanErrors exercises the race
// described by handle.rs's warm-session map: two callers sharing a brand new
// session, one of which wins the first-prompt claim. The loser must be
// treated as a resume prompt (IsNewSession=false), never as an error.
func TestHandle_RacingFirstPromptResumesRatherThanErrors(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	backend := mock.New()
	backend.SetResponder(func(sessionID, text string, isNewSession bool) []agentevent.Event {
		<-release
		return []agentevent.Event{agentevent.Result("ok: "+text, nil, nil)}
	})

	h := agent.NewHandle(ctx, "mock", backend, 8)
	sessionID, err := h.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if _, err := h.Prompt(ctx, sessionID, "first"); err != nil {
		t.Fatalf("first Prompt: %v", err)
	}

	var wg sync.WaitGroup
	var secondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, secondErr = h.Prompt(ctx, sessionID, "second")
	}()

	// The second call's claim must resolve against the still-in-flight first
	// prompt before the backend ever sees either command finish.
	time.Sleep(10 * time.Millisecond)
	close(release)

	wg.Wait()
	if secondErr != nil {
		t.Fatalf("racing second Prompt should resume, not error: %v", secondErr)
	}

	records := backend.Prompts()
	if len(records) != 2 {
		t.Fatalf("expected 2 prompt records, got %d", len(records))
	}
	if !records[0].IsNewSession {
		t.Fatalf("first prompt record should be IsNewSession=true, got %+v", records[0])
	}
	if records[1].IsNewSession {
		t.Fatalf("racing second prompt record should be IsNewSession=false, got %+v", records[1])
	}
}

// TestHandle_SequentialPromptsAfterActiveNeverClaimFirst checks that once a
// session has been marked active, later prompts are always resumes.
func TestHandle_SequentialPromptsAfterActiveNeverClaimFirst(t *testing.T) {
	ctx := context.Background()
	backend := mock.New()
	h := agent.NewHandle(ctx, "mock", backend, 8)

	sessionID, err := h.NewSession(ctx)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	events, err := h.Prompt(ctx, sessionID, "first")
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	for {
		ev, ok := events.Recv(ctx)
		if !ok {
			break
		}
		if ev.Kind.IsTerminal() {
			h.MarkSessionActive(sessionID)
			break
		}
	}

	if _, err := h.Prompt(ctx, sessionID, "second"); err != nil {
		t.Fatalf("second Prompt: %v", err)
	}

	records := backend.Prompts()
	if len(records) != 2 || records[1].IsNewSession {
		t.Fatalf("second prompt should be IsNewSession=false, got %+v", records)
	}
}

// TestHandle_LoadedSessionNeverTreatedAsFirstPrompt mirrors handle.rs: a
// session attached via LoadSession is untracked and every prompt against it
// is a resume.
func TestHandle_LoadedSessionNeverTreatedAsFirstPrompt(t *testing.T) {
	ctx := context.Background()
	backend := mock.New()
	h := agent.NewHandle(ctx, "mock", backend, 8)

	if err := h.LoadSession(ctx, "preexisting-session"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if _, err := h.Prompt(ctx, "preexisting-session", "hi"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	records := backend.Prompts()
	if len(records) != 1 || records[0].IsNewSession {
		t.Fatalf("loaded-session prompt should be IsNewSession=false, got %+v", records)
	}
}
