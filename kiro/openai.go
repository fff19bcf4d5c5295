package kiro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI streams completions from any server that speaks the OpenAI
// chat-completions protocol. It is the backend for boards that point
// workers at a hosted model instead of the local kiro-cli.
type OpenAI struct {
	client *openai.Client
	model  string
	system string
}

// NewOpenAI builds a streamer against the given base URL (empty means
// the default OpenAI endpoint). The model name may be an alias.
func NewOpenAI(baseURL, apiKey, model string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	resolved := ResolveModel(model)
	if resolved == "" {
		resolved = ResolveModel("smart")
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: resolved}
}

// WithSystemPrompt sets a system message prepended to every request.
func (o *OpenAI) WithSystemPrompt(prompt string) *OpenAI {
	o.system = prompt
	return o
}

// Stream sends the prompt and forwards each delta chunk to fn,
// returning the accumulated output.
func (o *OpenAI) Stream(ctx context.Context, prompt string, fn func(chunk string)) (string, error) {
	messages := []openai.ChatCompletionMessage{}
	if o.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: o.system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var out strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out.String(), fmt.Errorf("openai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		out.WriteString(chunk)
		if fn != nil {
			fn(chunk)
		}
	}
	return out.String(), nil
}
