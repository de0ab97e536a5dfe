// Package anthropic provides a model wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaudeSonnet4_5,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// NewModel creates a new Anthropic model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{
		client: client,
		opts:   opts,
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)

		var err error
		if req.Stream {
			err = m.handleStreaming(ctx, params, out)
		} else {
			err = m.handleNonStreaming(ctx, params, out)
		}

		if err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func (m *Model) buildParams(req model.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
	}

	if systemBlocks := extractSystem(req.Messages); len(systemBlocks) > 0 {
		params.System = systemBlocks
	}

	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	return params
}

func (m *Model) handleStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) error {
	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return fmt.Errorf("anthropic accumulate: %w", err)
		}

		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.Response{ID: message.ID, Partial: true, Delta: delta.Text}:
		}
	}

	if err := stream.Err(); err != nil {
		return classify(fmt.Errorf("anthropic streaming error: %w", err))
	}

	return emitFinal(ctx, &message, out)
}

func (m *Model) handleNonStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- model.Response) error {
	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return classify(fmt.Errorf("anthropic api error: %w", err))
	}

	return emitFinal(ctx, resp, out)
}

// emitFinal converts the accumulated message into the final response.
func emitFinal(ctx context.Context, msg *anthropic.Message, out chan<- model.Response) error {
	final, err := toAssistantMessage(msg.Content)
	if err != nil {
		return err
	}

	finishReason := "stop"
	if msg.StopReason != "" {
		finishReason = string(msg.StopReason)
	}

	in, outTokens := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- model.Response{
		ID:           msg.ID,
		Message:      final,
		FinishReason: finishReason,
		Usage:        &model.TokenUsage{PromptTokens: in, CompletionTokens: outTokens, TotalTokens: in + outTokens},
	}:
	}

	return nil
}

func toAssistantMessage(blocks []anthropic.ContentBlockUnion) (core.AssistantMessage, error) {
	var (
		text  strings.Builder
		calls []core.ToolCall
	)

	for _, block := range blocks {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			id := b.ID
			if id == "" {
				gen, err := gonanoid.New()
				if err != nil {
					return core.AssistantMessage{}, fmt.Errorf("generate tool call id: %w", err)
				}
				id = "toolu_" + gen
			}
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			calls = append(calls, core.ToolCall{ID: id, Name: b.Name, Arguments: args})
		}
	}

	return core.AssistantMessage{Content: text.String(), ToolCalls: calls}, nil
}

// buildMessages converts the transcript to Anthropic message format. Tool
// results are sent as tool_result blocks of a user turn; consecutive results
// are merged into one turn.
func buildMessages(msgs []core.Message) []anthropic.MessageParam {
	var (
		messages    []anthropic.MessageParam
		toolResults []anthropic.ContentBlockParamUnion
	)

	flushResults := func() {
		if len(toolResults) == 0 {
			return
		}
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
		toolResults = nil
	}

	for _, msg := range msgs {
		switch v := msg.(type) {
		case core.SystemMessage:
			continue // sent via params.System
		case core.ToolResultMessage:
			toolResults = append(toolResults, anthropic.NewToolResultBlock(v.CallID, v.Text(), v.IsError()))
			continue
		}

		flushResults()

		switch v := msg.(type) {
		case core.UserMessage:
			if v.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(v.Content)))
			}
		case core.AssistantMessage:
			if content := buildAssistantContent(v); len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		}
	}

	flushResults()

	return messages
}

func buildAssistantContent(m core.AssistantMessage) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion

	if m.Content != "" {
		content = append(content, anthropic.NewTextBlock(m.Content))
	}

	for _, tc := range m.ToolCalls {
		var input any = map[string]any{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				input = tc.Arguments // fallback to string
			}
		}
		content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}

	return content
}

// extractSystem collects system message blocks.
func extractSystem(msgs []core.Message) []anthropic.TextBlockParam {
	var systemBlocks []anthropic.TextBlockParam

	for _, msg := range msgs {
		if sm, ok := msg.(core.SystemMessage); ok && sm.Content != "" {
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: sm.Content})
		}
	}

	return systemBlocks
}

// buildTools converts tool descriptions to Anthropic tool format.
func buildTools(tools []core.ToolDescription) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if tool.Schema != nil {
			if properties, exists := tool.Schema["properties"]; exists {
				inputSchema.Properties = properties
			}
			inputSchema.Required = requiredFields(tool.Schema["required"])
		}

		anthropicTools[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if tool.Description != "" {
			anthropicTools[i].OfTool.Description = anthropic.String(tool.Description)
		}
	}

	return anthropicTools
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		var out []string
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// classify marks client errors other than rate limits as permanent.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && !model.RetryableStatus(apiErr.StatusCode) {
		return model.Permanent(err)
	}

	return err
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
