package verify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name     string
		reply    string
		approved bool
		reason   string
	}{
		{"plain approve", "APPROVE", true, ""},
		{"approve with trailing text", "APPROVE - looks complete", true, ""},
		{"lowercase approve", "approve", true, ""},
		{"reject with reason", "REJECT: missing income proof", false, "missing income proof"},
		{"reject without colon", "REJECT", false, "REJECT"},
		{"freeform refusal", "The answers are inconsistent.", false, "The answers are inconsistent."},
		{"padded reply", "  APPROVE  ", true, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := parseVerdict(c.reply)
			if got.Approved != c.approved {
				t.Errorf("Approved = %v, want %v", got.Approved, c.approved)
			}
			if got.Reason != c.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, c.reason)
			}
		})
	}
}

type fakeCompleter struct {
	reply  string
	err    error
	gotMsg string
}

func (f *fakeCompleter) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	if len(params.Messages) > 1 {
		if c := params.Messages[1].OfUser; c != nil {
			f.gotMsg = c.Content.OfString.Value
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.reply}},
		},
	}, nil
}

func testPanel() models.FormPanel {
	return models.FormPanel{ID: "panel-1", ProspectID: "p1", ProjectType: "residential", FormID: "intake"}
}

func testFormData() models.FormData {
	return models.FormData{"residential": {"intake": {"name": "Ada"}}}
}

func TestVerifyFormApproves(t *testing.T) {
	completer := &fakeCompleter{reply: "APPROVE"}
	c := &Client{completions: completer}

	result, err := c.VerifyForm(context.Background(), testPanel(), testFormData())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Approved {
		t.Error("expected approval")
	}
	if !strings.Contains(completer.gotMsg, "intake") || !strings.Contains(completer.gotMsg, "Ada") {
		t.Errorf("prompt missing form context: %q", completer.gotMsg)
	}
}

func TestVerifyFormRejects(t *testing.T) {
	c := &Client{completions: &fakeCompleter{reply: "REJECT: phone number malformed"}}

	result, err := c.VerifyForm(context.Background(), testPanel(), testFormData())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Approved || result.Reason != "phone number malformed" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestVerifyFormRequestError(t *testing.T) {
	c := &Client{completions: &fakeCompleter{err: errors.New("rate limited")}}
	if _, err := c.VerifyForm(context.Background(), testPanel(), testFormData()); err == nil {
		t.Error("expected an error when the completion request fails")
	}
}

func TestVerifyFormEmptyChoices(t *testing.T) {
	c := &Client{completions: &emptyCompleter{}}
	if _, err := c.VerifyForm(context.Background(), testPanel(), testFormData()); err == nil {
		t.Error("expected an error for a reply without choices")
	}
}

type emptyCompleter struct{}

func (emptyCompleter) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return &openai.ChatCompletion{}, nil
}
