// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions API (including streaming + function/tool calling). It
// adapts agentloop's message types into the SDK's message format and back.
package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete tool calls when the stream ends.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI model adapter.
// Fields mirror a subset of Chat Completion parameters kept minimal; extend
// via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client. Credentials
// default to the OPENAI_API_KEY environment variable read by the SDK.
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

	client := openai.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req, buildMessages(req.Messages))

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

// buildMessages converts the transcript into OpenAI chat messages.
func buildMessages(msgs []core.Message) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))

	for _, msg := range msgs {
		switch v := msg.(type) {
		case core.SystemMessage:
			messages = append(messages, openai.SystemMessage(v.Content))
		case core.UserMessage:
			messages = append(messages, openai.UserMessage(v.Content))
		case core.AssistantMessage:
			if !v.HasToolCalls() {
				messages = append(messages, openai.AssistantMessage(v.Content))
				continue
			}
			if v.Content == "" {
				messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toToolCallParams(v.ToolCalls),
				}})
				continue
			}
			// text streamed next to the calls is part of the transcript
			assistant := openai.AssistantMessage(v.Content)
			assistant.OfAssistant.ToolCalls = toToolCallParams(v.ToolCalls)
			messages = append(messages, assistant)
		case core.ToolResultMessage:
			messages = append(messages, openai.ToolMessage(toolResultText(v), v.CallID))
		}
	}

	return messages
}

func toolResultText(m core.ToolResultMessage) string {
	if m.Failure != nil {
		return fmt.Sprintf("error (%s): %s", m.Failure.Code, m.Failure.Message)
	}

	return m.Output
}

func toToolCallParams(calls []core.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, tc := range calls {
		toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		}
	}

	return toolCalls
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}

	if len(req.Tools) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  tdef.Schema,
			},
		}
	}
	params.Tools = tools

	return params
}

// handleStreaming forwards text deltas and emits one final response once the
// stream is exhausted.
func (m *Model) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
) error {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		textBuilder  strings.Builder
		finishReason string
		id           string
		usage        *model.TokenUsage
	)

	toolAgg := map[int64]*aggCall{}

	for stream.Next() {
		ck := stream.Current()
		if id == "" {
			id = ck.ID
		}
		if ck.Usage.TotalTokens > 0 {
			usage = &model.TokenUsage{
				PromptTokens:     int(ck.Usage.PromptTokens),
				CompletionTokens: int(ck.Usage.CompletionTokens),
				TotalTokens:      int(ck.Usage.TotalTokens),
			}
		}

		for _, ch := range ck.Choices {
			if ch.Index != 0 {
				continue
			}
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- model.Response{ID: id, Partial: true, Delta: ch.Delta.Content}:
				}
			}
			aggregateToolCalls(ch.Delta.ToolCalls, toolAgg)
			if ch.FinishReason != "" {
				finishReason = ch.FinishReason
			}
		}
	}

	if err := stream.Err(); err != nil {
		return classify(fmt.Errorf("openai streaming error: %w", err))
	}

	calls, err := finalizeToolCalls(toolAgg)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- model.Response{
		ID:           id,
		Message:      core.AssistantMessage{Content: textBuilder.String(), ToolCalls: calls},
		FinishReason: finishReason,
		Usage:        usage,
	}:
	}

	return nil
}

func aggregateToolCalls(deltas []openai.ChatCompletionChunkChoiceDeltaToolCall, agg map[int64]*aggCall) {
	for _, tc := range deltas {
		ac, ok := agg[tc.Index]
		if !ok {
			ac = &aggCall{}
			agg[tc.Index] = ac
		}
		if tc.ID != "" {
			ac.id = tc.ID
		}
		if tc.Function.Name != "" {
			ac.name = tc.Function.Name
		}
		ac.args += tc.Function.Arguments
	}
}

// finalizeToolCalls orders aggregated calls by stream index and fills in ids
// the provider omitted.
func finalizeToolCalls(agg map[int64]*aggCall) ([]core.ToolCall, error) {
	if len(agg) == 0 {
		return nil, nil
	}

	indexes := make([]int64, 0, len(agg))
	for idx := range agg {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	calls := make([]core.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		ac := agg[idx]
		id, err := ensureCallID(ac.id)
		if err != nil {
			return nil, err
		}
		calls = append(calls, core.ToolCall{ID: id, Name: ac.name, Arguments: ac.args})
	}

	return calls, nil
}

func ensureCallID(id string) (string, error) {
	if id != "" {
		return id, nil
	}

	gen, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate tool call id: %w", err)
	}

	return "call_" + gen, nil
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (m *Model) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
) error {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return classify(fmt.Errorf("openai api error: %w", err))
	}

	if len(resp.Choices) == 0 {
		return fmt.Errorf("no choices returned")
	}

	ch0 := resp.Choices[0]

	var calls []core.ToolCall
	for _, tc := range ch0.Message.ToolCalls {
		id, err := ensureCallID(tc.ID)
		if err != nil {
			return err
		}
		calls = append(calls, core.ToolCall{ID: id, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- model.Response{
		ID:           resp.ID,
		Message:      core.AssistantMessage{Content: ch0.Message.Content, ToolCalls: calls},
		FinishReason: ch0.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}:
	}

	return nil
}

// classify marks client errors other than rate limits as permanent.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && !model.RetryableStatus(apiErr.StatusCode) {
		return model.Permanent(err)
	}

	return err
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
