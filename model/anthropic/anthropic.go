// Package anthropic provides a model.Client wrapper for the Anthropic
// Messages API, including streaming with tool use.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Options configures the Anthropic client adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Client wraps the Anthropic Messages API behind the generic model.Client
// interface.
type Client struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic client using the official SDK.
func New(optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Client{client: &client, opts: opts}
}

// NewFromClient creates a new Anthropic adapter from an existing SDK client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Client{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Complete implements unified streaming / non-streaming completion.
func (c *Client) Complete(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       c.opts.Model,
			Messages:    buildMessages(req.Turns),
			MaxTokens:   c.opts.MaxTokens,
			Temperature: anthropic.Float(c.opts.Temperature),
		}
		if req.Instructions != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		if req.Stream {
			c.handleStreaming(ctx, params, out, errCh)
			return
		}
		c.handleNonStreaming(ctx, params, out, errCh)
	}()

	return out, errCh
}

// handleStreaming accumulates the full message while forwarding text
// deltas as partial responses.
func (c *Client) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := c.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			errCh <- core.NewProviderError("anthropic", core.ProviderInvalidResponse, false, err)
			return
		}
		if deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if textDelta, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta); ok && textDelta.Text != "" {
				select {
				case <-ctx.Done():
					errCh <- classify(ctx.Err())
					return
				case out <- model.Response{Partial: true, Text: textDelta.Text}:
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- classify(err)
		return
	}

	out <- messageToResponse(&message)
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (c *Client) handleNonStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		errCh <- classify(err)
		return
	}

	out <- messageToResponse(resp)
}

// messageToResponse converts a complete Messages API response into the
// terminal model.Response.
func messageToResponse(msg *anthropic.Message) model.Response {
	var text string
	var calls []core.ToolCallRequest

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			calls = append(calls, decodeToolCall(toolBlock.ID, toolBlock.Name, toolBlock.JSON.Input.Raw()))
		}
	}

	finishReason := "stop"
	if msg.StopReason != "" {
		finishReason = string(msg.StopReason)
	}

	return model.Response{
		Partial:      false,
		Text:         text,
		ToolCalls:    calls,
		FinishReason: finishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func decodeToolCall(id, name, rawInput string) core.ToolCallRequest {
	req := core.ToolCallRequest{CallID: id, Name: name}
	if rawInput == "" || rawInput == "null" {
		req.Arguments = map[string]any{}
		return req
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(rawInput), &parsed); err != nil {
		req.ArgumentsInvalid = true
		req.RawArguments = rawInput
		return req
	}
	req.Arguments = parsed
	return req
}

// buildMessages converts the normalized transcript to Anthropic message
// format. Tool results become tool_result blocks inside user messages as
// the Messages API requires.
func buildMessages(turns []core.Turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	for _, t := range turns {
		switch v := t.(type) {
		case core.UserTurn:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(v.Text)))
		case core.SummaryTurn:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(v.Text)))
		case core.AssistantTurn:
			var blocks []anthropic.ContentBlockParamUnion
			if v.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(v.Text))
			}
			for _, tc := range v.ToolCalls {
				var input any = tc.Arguments
				if tc.ArgumentsInvalid {
					input = tc.RawArguments
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.CallID, input, tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		case core.ToolResultTurn:
			content, isError := renderToolResult(v)
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(v.CallID, content, isError)))
		}
	}

	return messages
}

func renderToolResult(tr core.ToolResultTurn) (string, bool) {
	if tr.Error != "" {
		return tr.Error, true
	}
	if s, ok := tr.Result.(string); ok {
		return s, false
	}
	b, err := json.Marshal(tr.Result)
	if err != nil {
		return fmt.Sprintf("%v", tr.Result), false
	}
	return string(b), false
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tdef := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if tdef.Parameters != nil {
			if properties, exists := tdef.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			if required, exists := tdef.Parameters["required"]; exists {
				inputSchema.Required = toStringSlice(required)
			}
		}

		anthropicTools[i] = anthropic.ToolUnionParamOfTool(inputSchema, tdef.Name)
	}

	return anthropicTools
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// classify maps SDK / transport failures onto the provider error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewProviderError("anthropic", core.ProviderTimeout, true, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return core.NewProviderError("anthropic", core.ProviderRateLimited, true, err)
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return core.NewProviderError("anthropic", core.ProviderAuth, false, err)
		case apierr.StatusCode >= 500:
			return core.NewProviderError("anthropic", core.ProviderInvalidResponse, true, err)
		}
	}
	return core.NewProviderError("anthropic", core.ProviderInvalidResponse, false, err)
}

// Info returns metadata describing this Anthropic client implementation.
func (c *Client) Info() model.Info {
	return model.Info{
		Name:          string(c.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
