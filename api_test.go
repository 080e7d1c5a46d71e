package strand

import (
	"context"
	"testing"
)

func TestProviderFunc(t *testing.T) {
	p := ProviderFunc{ID: "fn", Fn: func(_ context.Context, prompt string, _ Options) Response {
		return Success("<"+prompt+">", 1)
	}}

	if p.Name() != "fn" {
		t.Errorf("Expected name 'fn', got %q", p.Name())
	}
	if got := p.Send(context.Background(), "x", Options{}); got.Content != "<x>" {
		t.Errorf("Unexpected response %+v", got)
	}
	if (ProviderFunc{}).Name() != "func" {
		t.Error("Expected default name 'func'")
	}
}

func TestNodeProcess(t *testing.T) {
	node := NewNode("draft", NewMockProvider(), AppendSuffix(" [Respond in under 500 characters]"))

	if node.Name() != "draft" {
		t.Errorf("Expected name 'draft', got %q", node.Name())
	}
	if node.Provider().Name() != MockProviderName {
		t.Errorf("Expected mock provider, got %q", node.Provider().Name())
	}

	response := node.Process(context.Background(), "Hi")
	if response.Content != "Hi [Respond in under 500 characters] processed" {
		t.Errorf("Unexpected content %q", response.Content)
	}
}

func TestNodeNilModifierIsIdentity(t *testing.T) {
	response := NewNode("plain", NewMockProvider(), nil).Process(context.Background(), "same")
	if response.Content != "same processed" {
		t.Errorf("Expected identity behaviour, got %q", response.Content)
	}
}

func TestNodeProcessForwardsFailure(t *testing.T) {
	want := Failure(KindTransport, "request failed: connection refused")
	node := NewNode("down", NewMockProviderWithCallback(func(string, Options) Response { return want }), nil)

	if got := node.Process(context.Background(), "x"); got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}
