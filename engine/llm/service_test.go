package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/flopods/engine/engine/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func newMockService(t *testing.T, model *MockModel) *Service {
	t.Helper()
	svc, err := NewServiceWithFactory(func(_ *Config) (llms.Model, error) {
		return model, nil
	})
	require.NoError(t, err)
	return svc
}

func TestService_Stream(t *testing.T) {
	t.Run("Should forward tokens in order and assemble the content", func(t *testing.T) {
		model := NewMockModel("mock-1").WithScript("Hel", "lo", "!")
		svc := newMockService(t, model)
		var tokens []string
		result, err := svc.Stream(context.Background(), &Request{
			Prompt: "greet",
			Config: Config{Provider: ProviderMock, Model: "mock-1"},
		}, func(token string) { tokens = append(tokens, token) })
		require.NoError(t, err)
		assert.Equal(t, []string{"Hel", "lo", "!"}, tokens)
		assert.Equal(t, "Hello!", result.Content)
		assert.Equal(t, "mock-1", result.Model)
	})

	t.Run("Should prefer provider usage over the local estimate", func(t *testing.T) {
		model := NewMockModel("mock-1").WithScript("hi").WithUsage(11, 5)
		svc := newMockService(t, model)
		result, err := svc.Stream(context.Background(), &Request{
			Prompt: "greet",
			Config: Config{Provider: ProviderMock, Model: "mock-1"},
		}, nil)
		require.NoError(t, err)
		assert.False(t, result.UsageEstimated)
		assert.Equal(t, &streaming.Usage{PromptTokens: 11, CompletionTokens: 5, TotalTokens: 16}, result.Usage)
	})

	t.Run("Should fall back to tiktoken when the provider reports nothing", func(t *testing.T) {
		model := NewMockModel("mock-1").WithScript("Hello there")
		svc := newMockService(t, model)
		result, err := svc.Stream(context.Background(), &Request{
			Prompt: "greet the user",
			Config: Config{Provider: ProviderMock, Model: "mock-1"},
		}, nil)
		require.NoError(t, err)
		assert.True(t, result.UsageEstimated)
		require.NotNil(t, result.Usage)
		assert.Positive(t, result.Usage.PromptTokens)
		assert.Positive(t, result.Usage.CompletionTokens)
		assert.Equal(t, result.Usage.PromptTokens+result.Usage.CompletionTokens, result.Usage.TotalTokens)
	})

	t.Run("Should propagate provider errors", func(t *testing.T) {
		model := NewMockModel("mock-1").WithError(errors.New("rate limited"))
		svc := newMockService(t, model)
		_, err := svc.Stream(context.Background(), &Request{
			Prompt: "greet",
			Config: Config{Provider: ProviderMock, Model: "mock-1"},
		}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limited")
	})

	t.Run("Should reject a request without a prompt", func(t *testing.T) {
		svc := newMockService(t, NewMockModel("mock-1"))
		_, err := svc.Stream(context.Background(), &Request{}, nil)
		assert.Error(t, err)
	})

	t.Run("Should stop on a cancelled context", func(t *testing.T) {
		model := NewMockModel("mock-1").WithScript("a", "b", "c")
		svc := newMockService(t, model)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := svc.Stream(ctx, &Request{
			Prompt: "greet",
			Config: Config{Provider: ProviderMock, Model: "mock-1"},
		}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestUsageFromGenerationInfo(t *testing.T) {
	t.Run("Should read the OpenAI key set", func(t *testing.T) {
		usage := usageFromGenerationInfo(map[string]any{
			"PromptTokens":     10,
			"CompletionTokens": 4,
			"TotalTokens":      14,
		})
		require.NotNil(t, usage)
		assert.Equal(t, &streaming.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}, usage)
	})

	t.Run("Should read the Anthropic key set and derive the total", func(t *testing.T) {
		usage := usageFromGenerationInfo(map[string]any{
			"InputTokens":  7,
			"OutputTokens": 3,
		})
		require.NotNil(t, usage)
		assert.Equal(t, 10, usage.TotalTokens)
	})

	t.Run("Should return nil when no usage keys are present", func(t *testing.T) {
		assert.Nil(t, usageFromGenerationInfo(map[string]any{"FinishReason": "stop"}))
		assert.Nil(t, usageFromGenerationInfo(nil))
	})
}

func TestClassify(t *testing.T) {
	t.Run("Should map context errors to their codes", func(t *testing.T) {
		assert.Equal(t, "TIMEOUT", Classify(context.DeadlineExceeded))
		assert.Equal(t, "CANCELLED", Classify(context.Canceled))
	})

	t.Run("Should default to provider error", func(t *testing.T) {
		assert.Equal(t, "PROVIDER_ERROR", Classify(errors.New("boom")))
	})

	t.Run("Should return empty for nil", func(t *testing.T) {
		assert.Empty(t, Classify(nil))
	})
}

func TestEstimateCostUSD(t *testing.T) {
	t.Run("Should price a known model", func(t *testing.T) {
		cost, ok := EstimateCostUSD(ProviderOpenAI, "gpt-4o-mini", &streaming.Usage{
			PromptTokens:     1_000_000,
			CompletionTokens: 1_000_000,
		})
		require.True(t, ok)
		assert.InDelta(t, 0.75, cost, 1e-9)
	})

	t.Run("Should report false for an unknown model", func(t *testing.T) {
		_, ok := EstimateCostUSD(ProviderOpenAI, "unknown-model", &streaming.Usage{TotalTokens: 10})
		assert.False(t, ok)
	})

	t.Run("Should report false without usage", func(t *testing.T) {
		_, ok := EstimateCostUSD(ProviderOpenAI, "gpt-4o-mini", nil)
		assert.False(t, ok)
	})
}

func TestNewModel(t *testing.T) {
	t.Run("Should build the mock provider", func(t *testing.T) {
		model, err := NewModel(&Config{Provider: ProviderMock})
		require.NoError(t, err)
		assert.IsType(t, &MockModel{}, model)
	})

	t.Run("Should reject an unknown provider", func(t *testing.T) {
		_, err := NewModel(&Config{Provider: "watson", Model: "m"})
		assert.Error(t, err)
	})

	t.Run("Should require a model name for real providers", func(t *testing.T) {
		_, err := NewModel(&Config{Provider: ProviderOpenAI})
		assert.Error(t, err)
	})
}
