// Package llmadapter implements the LLMEngine interface the PDVR execution
// loop consumes, over the eino-based model registry.
package llmadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/ozzie/internal/models"
)

// SamplingParams configures a single generation call.
type SamplingParams struct {
	Temperature      float64
	TopP             float64
	TopK             int
	MaxTokens        int
	StopSequences    []string
	PresencePenalty  float64
	FrequencyPenalty float64
}

// RequestOutput is the result of a non-streaming generation.
type RequestOutput struct {
	Content      string
	ToolCalls    []schema.ToolCall
	TokensUsed   int
	FinishReason string
	DurationMS   int64
}

// TokenOutput is one chunk of a streamed generation.
type TokenOutput struct {
	Delta string
	Done  bool
}

// ModelInfo describes the active model.
type ModelInfo struct {
	Name         string
	ContextWindow int
}

// Engine is the LLMEngine interface the execution loop and self-healing
// wrapper consume.
type Engine interface {
	Generate(ctx context.Context, prompt []*schema.Message, params SamplingParams) (RequestOutput, error)
	GenerateStream(ctx context.Context, prompt []*schema.Message, params SamplingParams) (<-chan TokenOutput, <-chan error)
	ModelInfo() ModelInfo
	Health(ctx context.Context) error
}

// EinoEngine adapts models.Registry's lazily-initialized
// model.ToolCallingChatModel providers to Engine.
type EinoEngine struct {
	registry  *models.Registry
	modelName string
}

// NewEinoEngine builds an Engine bound to a named provider in registry; an
// empty modelName uses the registry's configured default.
func NewEinoEngine(registry *models.Registry, modelName string) *EinoEngine {
	return &EinoEngine{registry: registry, modelName: modelName}
}

func (e *EinoEngine) resolve(ctx context.Context) (model.ToolCallingChatModel, error) {
	if e.modelName == "" {
		return e.registry.Default(ctx)
	}
	return e.registry.Get(ctx, e.modelName)
}

func (e *EinoEngine) Generate(ctx context.Context, prompt []*schema.Message, params SamplingParams) (RequestOutput, error) {
	cm, err := e.resolve(ctx)
	if err != nil {
		return RequestOutput{}, fmt.Errorf("llmadapter: resolve model: %w", err)
	}

	start := time.Now()
	msg, err := cm.Generate(ctx, prompt)
	if err != nil {
		return RequestOutput{}, fmt.Errorf("llmadapter: generate: %w", err)
	}

	out := RequestOutput{
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		TokensUsed: estimateTokens(msg.Content),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if usage := msg.ResponseMeta; usage != nil && usage.Usage != nil {
		out.TokensUsed = usage.Usage.PromptTokens + usage.Usage.CompletionTokens
	}
	return out, nil
}

// GenerateStream runs Generate and replays its content as a single delta
// followed by Done; the registry's chat models are only wired for
// non-streaming calls today. The channel contract (emission order, Done
// marker) is the same one a token-by-token backend would satisfy.
func (e *EinoEngine) GenerateStream(ctx context.Context, prompt []*schema.Message, params SamplingParams) (<-chan TokenOutput, <-chan error) {
	out := make(chan TokenOutput, 2)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		result, err := e.Generate(ctx, prompt, params)
		if err != nil {
			errc <- err
			return
		}
		out <- TokenOutput{Delta: result.Content}
		out <- TokenOutput{Done: true}
	}()

	return out, errc
}

func (e *EinoEngine) ModelInfo() ModelInfo {
	name := e.modelName
	if name == "" {
		name = e.registry.DefaultName()
	}
	window := e.registry.ContextWindow(name)
	if e.modelName == "" {
		window = e.registry.DefaultContextWindow()
	}
	return ModelInfo{Name: name, ContextWindow: window}
}

func (e *EinoEngine) Health(ctx context.Context) error {
	_, err := e.resolve(ctx)
	if err != nil {
		return fmt.Errorf("llmadapter: health: %w", err)
	}
	return nil
}

// estimateTokens is a conservative fallback used only to populate
// RequestOutput.TokensUsed when the underlying model response carries no
// usage metadata; real accounting happens through ctxwindow.Estimator on
// the caller side.
func estimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}
