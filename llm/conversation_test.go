package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/discord-voice-lab/voicemimic/internal/persona"
)

type fakeCompleter struct {
	reqs []ChatRequest
	err  error
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req ChatRequest) (ChatResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return ChatResponse{}, f.err
	}
	return ChatResponse{Content: fmt.Sprintf("reply %d", len(f.reqs))}, nil
}

var griffin = persona.Profile{Key: "griffin", Name: "Griffin", SystemPrompt: "be griffin", MaxTokens: 50, Temperature: 0.9}

func TestGenerateSendsPersonaAndHistory(t *testing.T) {
	fc := &fakeCompleter{}
	c := NewConversation(fc, 4)
	ctx := context.Background()

	if got, _ := c.Generate(ctx, "alice", "one", griffin); got != "reply 1" {
		t.Fatalf("unexpected reply %q", got)
	}
	_, _ = c.Generate(ctx, "alice", "two", griffin)
	_, _ = c.Generate(ctx, "alice", "three", griffin)

	last := fc.reqs[2]
	if last.Messages[0].Role != "system" || last.Messages[0].Content != "be griffin" {
		t.Fatalf("system prompt missing: %+v", last.Messages[0])
	}
	// system + 4 retained history + new prompt
	if len(last.Messages) != 6 || last.Messages[1].Content != "one" || last.Messages[5].Content != "three" {
		t.Fatalf("unexpected messages: %+v", last.Messages)
	}
	if last.MaxTokens != 50 || last.Temperature != 0.9 {
		t.Fatalf("persona parameters not applied: %+v", last)
	}
	if s := c.Stats("alice"); s.TotalMessages != 4 || s.UserMessages != 2 || s.AssistantMessages != 2 {
		t.Fatalf("history not bounded: %+v", s)
	}
}

func TestHistoryIsPerSpeaker(t *testing.T) {
	fc := &fakeCompleter{}
	c := NewConversation(fc, 0)
	_, _ = c.Generate(context.Background(), "alice", "hi", griffin)
	_, _ = c.Generate(context.Background(), "bob", "yo", griffin)
	if len(fc.reqs[1].Messages) != 2 {
		t.Fatalf("bob should not see alice's history: %+v", fc.reqs[1].Messages)
	}
	c.ClearHistory("alice")
	if c.Stats("alice").TotalMessages != 0 || c.Stats("bob").TotalMessages != 2 {
		t.Fatalf("ClearHistory affected the wrong speaker")
	}
	c.Reset()
	if len(c.Speakers()) != 0 {
		t.Fatalf("Reset left history behind")
	}
}

func TestGenerateFailsOpen(t *testing.T) {
	fc := &fakeCompleter{err: fmt.Errorf("%w: status 503", ErrTransient)}
	c := NewConversation(fc, 0)
	got, err := c.Generate(context.Background(), "alice", "hi", griffin)
	if err != nil || got != ApologyGeneric {
		t.Fatalf("want generic apology, got %q %v", got, err)
	}
	fc.err = fmt.Errorf("%w: status 429", ErrQuota)
	got, _ = c.Generate(context.Background(), "alice", "hi", griffin)
	if got != ApologyQuota {
		t.Fatalf("want quota apology, got %q", got)
	}
	if c.Stats("alice").TotalMessages != 0 {
		t.Fatalf("failed turns must not be recorded")
	}
}

// blockingCompleter holds each request until release is closed.
type blockingCompleter struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingCompleter) CreateChatCompletion(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	b.started <- struct{}{}
	<-b.release
	return ChatResponse{Content: "old persona reply"}, nil
}

func TestResetDuringGenerateDropsExchange(t *testing.T) {
	bc := &blockingCompleter{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewConversation(bc, 0)

	done := make(chan string, 1)
	go func() {
		got, _ := c.Generate(context.Background(), "alice", "hi", griffin)
		done <- got
	}()
	<-bc.started
	c.Reset()
	close(bc.release)

	if got := <-done; got != "old persona reply" {
		t.Fatalf("reply should still be returned, got %q", got)
	}
	if s := c.Stats("alice"); s.TotalMessages != 0 {
		t.Fatalf("exchange from before Reset leaked into new history: %+v", s)
	}
}
