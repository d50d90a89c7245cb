// Package ai streams assistant replies from an OpenAI-compatible chat
// completion endpoint. The realtime layer treats it as an opaque text
// generator: a stream of deltas folded into a final reply.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mmuslimabdulj/shipper-chat/internal/domain"
)

const systemPrompt = "You are a helpful assistant."

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// ErrNoAPIKey means the responder was built without an API key; every reply
// attempt fails and the caller substitutes its fallback text.
var ErrNoAPIKey = errors.New("ai: missing API key")

// Responder produces streamed assistant replies.
type Responder struct {
	client *openai.Client
	model  string
}

// New builds a Responder. A custom baseURL (for tests or proxies) may be empty.
func New(apiKey, model, baseURL string) *Responder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Responder{client: openai.NewClientWithConfig(cfg), model: model}
}

// StreamReply streams an assistant reply for the given conversation turns.
// onDelta is invoked per text chunk with the chunk and the accumulated text so
// far. Returns the trimmed final text.
func (r *Responder) StreamReply(ctx context.Context, turns []domain.ChatTurn, onDelta func(delta, full string)) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       r.model,
		Stream:      true,
		Temperature: 0.7,
		Messages:    buildMessages(turns),
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta, full.String())
		}
	}
	return strings.TrimSpace(full.String()), nil
}

func buildMessages(turns []domain.ChatTurn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return msgs
}
