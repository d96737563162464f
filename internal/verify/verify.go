// Package verify provides AI-assisted verification of submitted form data
// using the OpenAI API.
//
// It backs the "ai" verification mode: an approved result advances the step
// through the same path an operator approval would take. Verifier errors
// never auto-advance anything; the submission falls back to human review.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Result is the verifier's verdict on one submission.
type Result struct {
	Approved bool
	Reason   string
}

// Verifier decides whether a submitted form should be approved.
type Verifier interface {
	VerifyForm(ctx context.Context, panel models.FormPanel, formData models.FormData) (Result, error)
}

const systemPrompt = `You are reviewing a form submitted by a sales prospect.
Check the answers for completeness and internal consistency.
Reply with exactly "APPROVE" when the submission is acceptable,
or "REJECT: <short reason>" when it is not.`

// chatCompleter is the minimal OpenAI API surface used by the client.
type chatCompleter interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the verifier client.
type Opts struct {
	APIKey string
}

// Option defines a configuration option for the verifier client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// Client verifies form submissions via OpenAI chat completions.
type Client struct {
	completions chatCompleter
}

// NewClient initializes a verifier client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{completions: &cli.Chat.Completions}, nil
}

// VerifyForm submits the panel's answers for review and parses the verdict.
func (c *Client) VerifyForm(ctx context.Context, panel models.FormPanel, formData models.FormData) (Result, error) {
	values := formData.Values(panel.ProjectType, panel.FormID)
	answers, err := json.Marshal(values)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode form values: %w", err)
	}

	resp, err := c.completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModelGPT4oMini,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(fmt.Sprintf("Form %s answers:\n%s", panel.FormID, string(answers))),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("verification request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("no choices returned")
	}
	return parseVerdict(resp.Choices[0].Message.Content), nil
}

// parseVerdict interprets the model's reply. Anything that is not an explicit
// approval counts as a rejection, with the remainder of the reply as reason.
func parseVerdict(reply string) Result {
	trimmed := strings.TrimSpace(reply)
	if strings.EqualFold(trimmed, "APPROVE") || strings.HasPrefix(strings.ToUpper(trimmed), "APPROVE") {
		return Result{Approved: true}
	}
	reason := trimmed
	if idx := strings.Index(trimmed, ":"); idx >= 0 && strings.HasPrefix(strings.ToUpper(trimmed), "REJECT") {
		reason = strings.TrimSpace(trimmed[idx+1:])
	}
	return Result{Approved: false, Reason: reason}
}
