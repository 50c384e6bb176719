package llm

import (
	"github.com/flopods/engine/engine/streaming"
	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// usageFromGenerationInfo extracts provider-reported token counts. Providers
// disagree on key names: the OpenAI family reports PromptTokens and
// CompletionTokens, Anthropic reports InputTokens and OutputTokens. Returns
// nil when the provider reported nothing.
func usageFromGenerationInfo(info map[string]any) *streaming.Usage {
	if len(info) == 0 {
		return nil
	}
	prompt, okPrompt := intFromInfo(info, "PromptTokens", "InputTokens")
	completion, okCompletion := intFromInfo(info, "CompletionTokens", "OutputTokens")
	if !okPrompt && !okCompletion {
		return nil
	}
	total, okTotal := intFromInfo(info, "TotalTokens")
	if !okTotal {
		total = prompt + completion
	}
	return &streaming.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

func intFromInfo(info map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		}
	}
	return 0, false
}

// estimateUsage counts tokens locally with tiktoken when the provider did not
// report usage. It is an estimate: prompt formatting overhead is ignored.
func estimateUsage(model, prompt, completion string) *streaming.Usage {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil
		}
	}
	promptTokens := len(enc.Encode(prompt, nil, nil))
	completionTokens := len(enc.Encode(completion, nil, nil))
	return &streaming.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}
