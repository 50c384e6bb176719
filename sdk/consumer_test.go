package sdk

import (
	"context"
	"strings"
	"testing"

	"github.com/flopods/engine/engine/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumer(t *testing.T) {
	t.Run("Should deliver events in order and assemble the result", func(t *testing.T) {
		raw := "data: {\"type\":\"start\",\"executionId\":\"e1\"}\n\n" +
			"data: {\"type\":\"token\",\"token\":\"Hel\"}\n\n" +
			"data: {\"type\":\"token\",\"token\":\"lo\"}\n\n" +
			"data: {\"type\":\"complete\",\"content\":\"Hello\",\"metadata\":{\"runtime\":120},\"executionId\":\"e1\"}\n\n" +
			"data: [DONE]\n\n"
		var startID string
		var tokens []string
		consumer := NewConsumer(Callbacks{
			OnStart: func(execID string) { startID = execID },
			OnToken: func(fragment string) { tokens = append(tokens, fragment) },
		})
		result, err := consumer.Consume(context.Background(), strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "e1", startID)
		assert.Equal(t, []string{"Hel", "lo"}, tokens)
		assert.Equal(t, "Hello", result.Content)
		assert.Equal(t, "e1", result.ExecutionID)
		require.NotNil(t, result.Metadata)
		assert.Equal(t, int64(120), result.Metadata.RuntimeMS)
	})
	t.Run("Should reject on an error event without completing", func(t *testing.T) {
		raw := "data: {\"type\":\"error\",\"error\":\"rate limited\"}\n\ndata: [DONE]\n\n"
		completed := false
		consumer := NewConsumer(Callbacks{
			OnToken: func(string) { completed = true },
		})
		result, err := consumer.Consume(context.Background(), strings.NewReader(raw))
		require.EqualError(t, err, "rate limited")
		assert.Nil(t, result)
		assert.False(t, completed)
	})
	t.Run("Should surface usage from the done event", func(t *testing.T) {
		raw := "data: {\"type\":\"token\",\"token\":\"Hi\"}\n\n" +
			"data: {\"type\":\"done\",\"usage\":{\"promptTokens\":2,\"completionTokens\":3,\"totalTokens\":5}}\n\n" +
			"data: [DONE]\n\n"
		var reported *streaming.Usage
		consumer := NewConsumer(Callbacks{
			OnDone: func(usage *streaming.Usage) { reported = usage },
		})
		result, err := consumer.Consume(context.Background(), strings.NewReader(raw))
		require.NoError(t, err)
		require.NotNil(t, reported)
		assert.Equal(t, 5, reported.TotalTokens)
		require.NotNil(t, result.Usage)
		assert.Equal(t, 5, result.Usage.TotalTokens)
		assert.Equal(t, "Hi", result.Content)
	})
	t.Run("Should prefer the metadata event over complete metadata", func(t *testing.T) {
		raw := "data: {\"type\":\"metadata\",\"metadata\":{\"model\":\"gpt-4o-mini\",\"runtimeMs\":90}}\n\n" +
			"data: {\"type\":\"complete\",\"content\":\"x\",\"metadata\":{\"runtimeMs\":10},\"executionId\":\"e2\"}\n\n" +
			"data: [DONE]\n\n"
		var observed *streaming.Metadata
		consumer := NewConsumer(Callbacks{
			OnMetadata: func(meta *streaming.Metadata) { observed = meta },
		})
		result, err := consumer.Consume(context.Background(), strings.NewReader(raw))
		require.NoError(t, err)
		require.NotNil(t, observed)
		require.NotNil(t, result.Metadata)
		assert.Equal(t, "gpt-4o-mini", result.Metadata.Model)
		assert.Equal(t, int64(90), result.Metadata.RuntimeMS)
	})
	t.Run("Should skip unparseable and unknown lines", func(t *testing.T) {
		raw := "data: {not json}\n\n" +
			"data: {\"type\":\"mystery\"}\n\n" +
			"data: {\"type\":\"token\",\"token\":\"ok\"}\n\n" +
			"data: [DONE]\n\n"
		result, err := NewConsumer(Callbacks{}).Consume(context.Background(), strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "ok", result.Content)
	})
	t.Run("Should report a truncated stream", func(t *testing.T) {
		raw := "data: {\"type\":\"token\",\"token\":\"Hi\"}\n\n"
		result, err := NewConsumer(Callbacks{}).Consume(context.Background(), strings.NewReader(raw))
		assert.ErrorIs(t, err, ErrStreamTruncated)
		assert.Nil(t, result)
	})
	t.Run("Should stop when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		raw := "data: {\"type\":\"token\",\"token\":\"Hi\"}\n\ndata: [DONE]\n\n"
		_, err := NewConsumer(Callbacks{}).Consume(ctx, strings.NewReader(raw))
		assert.ErrorIs(t, err, context.Canceled)
	})
	t.Run("Should fall back to the start id without a complete event", func(t *testing.T) {
		raw := "data: {\"type\":\"start\",\"executionId\":\"e3\"}\n\n" +
			"data: {\"type\":\"token\",\"token\":\"par\"}\n\n" +
			"data: {\"type\":\"token\",\"token\":\"tial\"}\n\n" +
			"data: [DONE]\n\n"
		result, err := NewConsumer(Callbacks{}).Consume(context.Background(), strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, "e3", result.ExecutionID)
		assert.Equal(t, "partial", result.Content)
	})
}
