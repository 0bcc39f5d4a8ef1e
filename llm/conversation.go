package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/persona"
)

const DefaultMaxHistory = 10

// Replies spoken instead of a generated answer when generation fails.
const (
	ApologyQuota   = "I'm having trouble connecting to my AI service right now. Please check your API quota."
	ApologyGeneric = "I'm sorry, I didn't catch that. Could you please repeat?"
)

// Completer is the subset of Client a Conversation needs.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Stats summarizes one speaker's history.
type Stats struct {
	TotalMessages     int `json:"totalMessages"`
	UserMessages      int `json:"userMessages"`
	AssistantMessages int `json:"assistantMessages"`
}

// Conversation keeps a bounded rolling history per speaker. The persona's
// system prompt is prepended on every request rather than stored.
type Conversation struct {
	client     Completer
	maxHistory int

	mu        sync.Mutex
	histories map[string][]Message
	epoch     uint64 // bumped by Reset
}

func NewConversation(c Completer, maxHistory int) *Conversation {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Conversation{client: c, maxHistory: maxHistory, histories: make(map[string][]Message)}
}

// Generate answers prompt for speakerID as p. It fails open: on any error
// the apology text is returned with a nil error and nothing is recorded.
func (c *Conversation) Generate(ctx context.Context, speakerID, prompt string, p persona.Profile) (string, error) {
	c.mu.Lock()
	history := append([]Message(nil), c.histories[speakerID]...)
	epoch := c.epoch
	c.mu.Unlock()

	msgs := make([]Message, 0, len(history)+2)
	if p.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.SystemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	resp, err := c.client.CreateChatCompletion(ctx, ChatRequest{
		Messages:         msgs,
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		PresencePenalty:  0.6,
		FrequencyPenalty: 0.3,
	})
	if err != nil {
		logging.WarnwCtx(ctx, "llm: generation failed", "speaker.id", speakerID, "err", err)
		if errors.Is(err, ErrQuota) {
			return ApologyQuota, nil
		}
		return ApologyGeneric, nil
	}
	if resp.Content == "" {
		return ApologyGeneric, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		logging.DebugwCtx(ctx, "llm: history reset during generation, not recording", "speaker.id", speakerID)
		return resp.Content, nil
	}
	h := append(c.histories[speakerID], Message{Role: "user", Content: prompt}, Message{Role: "assistant", Content: resp.Content})
	if len(h) > c.maxHistory {
		h = append([]Message(nil), h[len(h)-c.maxHistory:]...)
	}
	c.histories[speakerID] = h
	return resp.Content, nil
}

// Reset drops every speaker's history.
func (c *Conversation) Reset() {
	c.mu.Lock()
	c.histories = make(map[string][]Message)
	c.epoch++
	c.mu.Unlock()
}

// ClearHistory drops one speaker's history.
func (c *Conversation) ClearHistory(speakerID string) {
	c.mu.Lock()
	delete(c.histories, speakerID)
	c.mu.Unlock()
}

func (c *Conversation) Stats(speakerID string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	for _, m := range c.histories[speakerID] {
		s.TotalMessages++
		switch m.Role {
		case "user":
			s.UserMessages++
		case "assistant":
			s.AssistantMessages++
		}
	}
	return s
}

// Speakers returns the ids with recorded history.
func (c *Conversation) Speakers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.histories))
	for id := range c.histories {
		out = append(out, id)
	}
	return out
}
