// Package llm implements the reply adapter (§6): reply(messages) -> text.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/voxturn/internal/apperror"
)

// Message is one turn of ordered conversation history handed to the LLM.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Client is the reply adapter contract: an ordered message list in, a reply
// string out.
type Client interface {
	Reply(ctx context.Context, messages []Message) (string, error)
}

const defaultSystemPrompt = "You are a helpful, concise voice AI agent. Answer clearly and briefly."

// CerebrasClient calls Cerebras's chat completions endpoint.
type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// NewCerebrasClient builds a CerebrasClient.
func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
	}
}

// Reply sends the ordered message history to Cerebras, prepending a system
// prompt if the caller did not supply one, and returns the assistant's text.
func (c *CerebrasClient) Reply(ctx context.Context, messages []Message) (string, error) {
	if c.APIKey == "" {
		return "", apperror.Wrap(apperror.Fatal, "llm.Reply", fmt.Errorf("cerebras api key missing"))
	}
	endpoint := "https://api.cerebras.ai/v1/chat/completions"

	payload := make([]chatMessage, 0, len(messages)+1)
	if len(messages) == 0 || messages[0].Role != "system" {
		payload = append(payload, chatMessage{Role: "system", Content: defaultSystemPrompt})
	}
	for _, m := range messages {
		payload = append(payload, chatMessage{Role: m.Role, Content: m.Content})
	}

	reqBody, err := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: payload})
	if err != nil {
		return "", fmt.Errorf("marshal cerebras request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build cerebras request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", apperror.Wrap(apperror.Transient, "llm.Reply", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		class := apperror.Transient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			class = apperror.Fatal
		}
		return "", apperror.Wrap(class, "llm.Reply", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b)))
	}

	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode cerebras response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", apperror.Wrap(apperror.Transient, "llm.Reply", fmt.Errorf("cerebras: empty choices"))
	}

	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
