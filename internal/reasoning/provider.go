package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/httpclient"
)

// Reply is the text-bearing answer of one provider endpoint. It is either a
// CompletionReply or a ReasoningReply.
type Reply interface {
	Text() string
	reply()
}

// CompletionReply is the chat completions response shape
type CompletionReply struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (CompletionReply) reply() {}

// Text returns the first choice's message content
func (r CompletionReply) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// OutputBlock is one entry of a reasoning response's output array
type OutputBlock struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ReasoningReply is the responses API shape. The answer may sit behind
// intermediate "reasoning" blocks.
type ReasoningReply struct {
	OutputText string        `json:"output_text"`
	Output     []OutputBlock `json:"output"`
}

func (ReasoningReply) reply() {}

// Text returns output_text when present, else the output_text content of the
// last message block.
func (r ReasoningReply) Text() string {
	if r.OutputText != "" {
		return r.OutputText
	}
	for i := len(r.Output) - 1; i >= 0; i-- {
		block := r.Output[i]
		if block.Type != "message" {
			continue
		}
		for _, c := range block.Content {
			if c.Type == "output_text" && c.Text != "" {
				return c.Text
			}
		}
	}
	return ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type reasoningRequest struct {
	Model     string `json:"model"`
	Input     string `json:"input"`
	Reasoning struct {
		Effort string `json:"effort"`
	} `json:"reasoning"`
	MaxOutputTokens int `json:"max_output_tokens"`
}

// completion asks the completion endpoint and returns its text
func (a *Adapter) completion(ctx context.Context, op, system, prompt string, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model: a.config.CompletionModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	var reply CompletionReply
	if err := a.call(ctx, op, "/chat/completions", body, &reply); err != nil {
		return "", err
	}
	return a.text(op, reply)
}

// reason asks the reasoning endpoint and returns its terminal message text
func (a *Adapter) reason(ctx context.Context, op, input string) (string, error) {
	req := reasoningRequest{
		Model:           a.config.ReasoningModel,
		Input:           input,
		MaxOutputTokens: 4000,
	}
	req.Reasoning.Effort = a.config.ReasoningEffort

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode reasoning request: %w", err)
	}

	var reply ReasoningReply
	if err := a.call(ctx, op, "/responses", body, &reply); err != nil {
		return "", err
	}
	return a.text(op, reply)
}

func (a *Adapter) text(op string, r Reply) (string, error) {
	text := r.Text()
	if strings.TrimSpace(text) == "" {
		raw, _ := json.Marshal(r)
		return "", calculation.Malformed(op, "provider reply carried no text", string(raw), nil)
	}
	return text, nil
}

// call posts body under the shared retry policy and decodes the envelope into out
func (a *Adapter) call(ctx context.Context, op, path string, body []byte, out any) error {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	policy := a.config.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.logger.Warn("retrying reasoning call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	resp, err := httpclient.Retry(ctx, policy, func(ctx context.Context) (*httpclient.Response, error) {
		return a.fetcher.Fetch(ctx, httpclient.Request{
			Provider: provider,
			Endpoint: op,
			Method:   http.MethodPost,
			URL:      a.config.BaseURL + path,
			Header:   header,
			Body:     body,
			Timeout:  a.config.Timeout,
		})
	})
	if err != nil {
		return calculation.FromUpstream(op, err)
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return calculation.Malformed(op, "undecodable provider envelope", string(resp.Body), err)
	}
	return nil
}
