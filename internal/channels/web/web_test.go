package web

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmux/internal/bus"
	"github.com/nextlevelbuilder/agentmux/internal/channels"
	"github.com/nextlevelbuilder/agentmux/internal/config"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	base := channels.NewBaseChannel("web", bus.New(4), nil)
	return New(config.WebConfig{ListenAddr: ":0"}, base)
}

func TestSendFailsForUnknownConnection(t *testing.T) {
	ch := newTestChannel(t)
	if err := ch.Send(context.Background(), "no-such-conn", "hi"); err == nil {
		t.Fatal("expected an error sending to an unknown connection")
	}
}

func TestConsumeTokenAcceptsUnexpiredToken(t *testing.T) {
	ch := newTestChannel(t)
	ch.pairingMu.Lock()
	ch.pairingTokens["tok-1"] = time.Now().Add(5 * time.Minute)
	ch.pairingMu.Unlock()

	if !ch.consumeToken("tok-1") {
		t.Fatal("expected an unexpired token to be accepted")
	}
}

func TestConsumeTokenIsSingleUse(t *testing.T) {
	ch := newTestChannel(t)
	ch.pairingMu.Lock()
	ch.pairingTokens["tok-1"] = time.Now().Add(5 * time.Minute)
	ch.pairingMu.Unlock()

	if !ch.consumeToken("tok-1") {
		t.Fatal("first consumeToken should succeed")
	}
	if ch.consumeToken("tok-1") {
		t.Fatal("second consumeToken on the same token should fail")
	}
}

func TestConsumeTokenRejectsExpiredToken(t *testing.T) {
	ch := newTestChannel(t)
	ch.pairingMu.Lock()
	ch.pairingTokens["tok-1"] = time.Now().Add(-time.Minute)
	ch.pairingMu.Unlock()

	if ch.consumeToken("tok-1") {
		t.Fatal("expected an expired token to be rejected")
	}
}

func TestConsumeTokenRejectsUnknownToken(t *testing.T) {
	ch := newTestChannel(t)
	if ch.consumeToken("never-issued") {
		t.Fatal("expected an unknown token to be rejected")
	}
}

func TestHandlePairRendersPNGAndRegistersToken(t *testing.T) {
	ch := newTestChannel(t)
	req := httptest.NewRequest("GET", "/pair", nil)
	rec := httptest.NewRecorder()

	ch.handlePair(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q, want image/png", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty PNG body")
	}

	ch.pairingMu.Lock()
	n := len(ch.pairingTokens)
	ch.pairingMu.Unlock()
	if n != 1 {
		t.Fatalf("pairingTokens has %d entries, want 1", n)
	}
}

func TestHandleWSRejectsMissingToken(t *testing.T) {
	ch := newTestChannel(t)
	req := httptest.NewRequest("GET", "/ws", nil)
	rec := httptest.NewRecorder()

	ch.handleWS(rec, req)

	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401 for a missing pairing token", rec.Code)
	}
}
