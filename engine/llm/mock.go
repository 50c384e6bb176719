package llm

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// MockModel is a scripted llms.Model for tests and development mode. It
// streams its fragments through the call's streaming func exactly like a real
// provider and reports usage through GenerationInfo.
type MockModel struct {
	model     string
	fragments []string
	usage     map[string]any
	err       error
}

func NewMockModel(model string) *MockModel {
	return &MockModel{
		model:     model,
		fragments: []string{"This is ", "a mock ", "response."},
	}
}

// WithScript replaces the streamed fragments.
func (m *MockModel) WithScript(fragments ...string) *MockModel {
	m.fragments = fragments
	return m
}

// WithUsage sets the GenerationInfo usage keys reported after the stream.
func (m *MockModel) WithUsage(prompt, completion int) *MockModel {
	m.usage = map[string]any{
		"PromptTokens":     prompt,
		"CompletionTokens": completion,
		"TotalTokens":      prompt + completion,
	}
	return m
}

// WithError makes every call fail.
func (m *MockModel) WithError(err error) *MockModel {
	m.err = err
	return m
}

func (m *MockModel) GenerateContent(
	ctx context.Context,
	_ []llms.MessageContent,
	options ...llms.CallOption,
) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	var content strings.Builder
	for _, fragment := range m.fragments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content.WriteString(fragment)
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(fragment)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content:        content.String(),
			GenerationInfo: m.usage,
		}},
	}, nil
}

// Call implements the deprecated half of llms.Model.
func (m *MockModel) Call(ctx context.Context, _ string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, nil, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}
