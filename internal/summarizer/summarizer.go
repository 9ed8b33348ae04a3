// Package summarizer turns a period's message batch into markdown via
// an OpenAI-compatible chat completions endpoint (OpenRouter by
// default, so Anthropic and OpenAI models share one code path).
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/summarybot/archivist/internal/chat"
	"github.com/summarybot/archivist/internal/executor"
)

const defaultAPIURL = "https://openrouter.ai/api/v1/chat/completions"

// systemPrompt is the default retrospective prompt. Sources can pin a
// custom prompt via their manifest; this one covers everything else.
const systemPrompt = `You are writing a retrospective summary of one day of chat conversation.
Summarize the main topics, decisions, and notable moments in markdown.
Use short sections with headers. Attribute noteworthy statements to
their authors by name. Do not invent events that are not in the
transcript. If the conversation was trivial, say so briefly.`

type Client struct {
	apiKey string
	url    string
	client *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		apiKey: apiKey,
		url:    defaultAPIURL,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Summarize renders the transcript, calls the model, and returns the
// summary with its token accounting.
func (c *Client) Summarize(ctx context.Context, req executor.SummarizeRequest) (executor.SummaryResult, error) {
	started := time.Now()

	reqBody := request{
		Model:     req.Model,
		MaxTokens: 2048,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return executor.SummaryResult{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return executor.SummaryResult{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := req.APIKey
	if key == "" {
		key = c.apiKey
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return executor.SummaryResult{}, fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return executor.SummaryResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return executor.SummaryResult{}, fmt.Errorf("%w: status 429", executor.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return executor.SummaryResult{}, fmt.Errorf("api error %d: %s", resp.StatusCode, errResp.Error.Message)
		}
		return executor.SummaryResult{}, fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return executor.SummaryResult{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return executor.SummaryResult{}, fmt.Errorf("empty response content")
	}

	return executor.SummaryResult{
		Content:         strings.TrimSpace(apiResp.Choices[0].Message.Content),
		TokensInput:     apiResp.Usage.PromptTokens,
		TokensOutput:    apiResp.Usage.CompletionTokens,
		DurationSeconds: time.Since(started).Seconds(),
	}, nil
}

func buildUserPrompt(req executor.SummarizeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", req.Source.PlatformLabel(), req.Source.ServerName)
	if req.Source.ChannelName != "" {
		fmt.Fprintf(&b, ", channel #%s", req.Source.ChannelName)
	}
	fmt.Fprintf(&b, "\nDate: %s\n\nTranscript:\n", req.Period.Date())
	b.WriteString(RenderTranscript(req.Messages))
	return b.String()
}

// RenderTranscript flattens messages into "[HH:MM] author: text" lines.
// System notices are bracketed, attachments noted inline.
func RenderTranscript(msgs []chat.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		stamp := m.Timestamp.Format("15:04")
		switch {
		case m.System:
			fmt.Fprintf(&b, "[%s] (%s)\n", stamp, strings.TrimSpace(m.Text))
		case m.Attachments > 0 && strings.TrimSpace(m.Text) == "":
			fmt.Fprintf(&b, "[%s] %s: [%d attachment(s)]\n", stamp, m.Author, m.Attachments)
		default:
			text := strings.ReplaceAll(m.Text, "\n", "\n    ")
			fmt.Fprintf(&b, "[%s] %s: %s\n", stamp, m.Author, text)
			if m.Attachments > 0 {
				fmt.Fprintf(&b, "    [%d attachment(s)]\n", m.Attachments)
			}
		}
	}
	return b.String()
}
