package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flopods/engine/engine/streaming"
	"github.com/tmc/langchaingo/llms"
)

// Request is one streaming generation call.
type Request struct {
	Prompt string
	System string
	Config Config
}

// Result is the assembled outcome of a streaming call.
type Result struct {
	Content string
	Usage   *streaming.Usage
	// UsageEstimated is set when the provider reported no usage and the
	// counts came from local tiktoken estimation.
	UsageEstimated bool
	Model          string
	Provider       ProviderName
	Runtime        time.Duration
}

// ModelFactory builds the model a request runs against. Tests swap in a
// factory returning a scripted MockModel.
type ModelFactory func(cfg *Config) (llms.Model, error)

// Service performs the streaming unit of work: one external call yielding an
// incremental token sequence plus final usage.
type Service struct {
	newModel ModelFactory
}

func NewService() *Service {
	return &Service{newModel: NewModel}
}

func NewServiceWithFactory(factory ModelFactory) (*Service, error) {
	if factory == nil {
		return nil, errors.New("llm: model factory is required")
	}
	return &Service{newModel: factory}, nil
}

// Stream runs the generation call, forwarding every chunk to onToken as it
// arrives. onToken may be nil. Tokens are delivered in arrival order from a
// single decode loop.
func (s *Service) Stream(ctx context.Context, req *Request, onToken func(string)) (*Result, error) {
	if req == nil || req.Prompt == "" {
		return nil, errors.New("llm: request with prompt is required")
	}
	model, err := s.newModel(&req.Config)
	if err != nil {
		return nil, fmt.Errorf("llm: build model: %w", err)
	}
	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	var assembled strings.Builder
	callOpts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			assembled.Write(chunk)
			if onToken != nil {
				onToken(string(chunk))
			}
			return nil
		}),
	}
	if req.Config.Params.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(req.Config.Params.Temperature))
	}
	if req.Config.Params.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.Config.Params.MaxTokens))
	}

	started := time.Now()
	resp, err := model.GenerateContent(ctx, messages, callOpts...)
	runtime := time.Since(started)
	if err != nil {
		return nil, fmt.Errorf("llm: generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("llm: provider returned no choices")
	}
	choice := resp.Choices[0]
	content := choice.Content
	if content == "" {
		content = assembled.String()
	}
	result := &Result{
		Content:  content,
		Model:    req.Config.Model,
		Provider: req.Config.Provider,
		Runtime:  runtime,
	}
	if usage := usageFromGenerationInfo(choice.GenerationInfo); usage != nil {
		result.Usage = usage
	} else {
		result.Usage = estimateUsage(req.Config.Model, req.System+req.Prompt, content)
		result.UsageEstimated = true
	}
	return result, nil
}
