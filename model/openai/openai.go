// Package openai provides an implementation of model.Client using the
// OpenAI Chat Completions API (including streaming + function/tool
// calling). It adapts the runtime's normalized Request/Response structures
// into the SDK's message format and back.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"github.com/openai/openai-go"
)

// aggCall aggregates partial tool call streaming deltas (id, name,
// arguments) allowing reconstruction of complete tool call requests when
// the finish reason is emitted.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI client adapter. Fields mirror a subset of
// Chat Completion parameters intentionally kept minimal; extend via
// functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Client wraps the OpenAI Chat Completions API behind the generic
// model.Client interface.
type Client struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI client using the official SDK defaults
// (OPENAI_API_KEY from the environment).
func New(optFns ...func(o *Options)) *Client {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI adapter from an existing SDK client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Client {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{client: client, opts: opts}
}

// Complete implements unified streaming / non-streaming completion.
func (c *Client) Complete(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		params := c.buildParams(req, buildMessages(req))
		if req.Stream {
			c.handleStreaming(ctx, params, out, errCh)
			return
		}
		c.handleNonStreaming(ctx, params, out, errCh)
	}()
	return out, errCh
}

// buildMessages converts the normalized transcript into OpenAI chat
// messages. Tool results follow the assistant turn that requested them,
// which the transcript ordering already guarantees.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, t := range req.Turns {
		switch v := t.(type) {
		case core.UserTurn:
			messages = append(messages, openai.UserMessage(v.Text))
		case core.SummaryTurn:
			messages = append(messages, openai.UserMessage(v.Text))
		case core.AssistantTurn:
			if len(v.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(v.Text))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(v.ToolCalls))
			for _, tc := range v.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.CallID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: encodeArguments(tc),
					},
				})
			}
			messages = append(
				messages,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				}},
			)
		case core.ToolResultTurn:
			messages = append(messages, openai.ToolMessage(renderToolResult(v), v.CallID))
		}
	}
	return messages
}

func encodeArguments(tc core.ToolCallRequest) string {
	if tc.ArgumentsInvalid {
		return tc.RawArguments
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func renderToolResult(tr core.ToolResultTurn) string {
	if tr.Error != "" {
		return fmt.Sprintf("Error: %s", tr.Error)
	}
	if s, ok := tr.Result.(string); ok {
		return s
	}
	b, err := json.Marshal(tr.Result)
	if err != nil {
		return fmt.Sprintf("%v", tr.Result)
	}
	return string(b)
}

// buildParams assembles the OpenAI request parameters including tool
// definitions.
func (c *Client) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.opts.Model,
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
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
				Parameters:  tdef.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// handleStreaming forwards text deltas as partial responses while
// aggregating tool call fragments for the terminal response.
func (c *Client) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	var textBuilder strings.Builder
	toolAgg := map[int64]*aggCall{}
	var order []int64
	finished := false
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				select {
				case <-ctx.Done():
					errCh <- classify(ctx.Err())
					return
				case out <- model.Response{Partial: true, Text: ch.Delta.Content}:
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}
			if ch.FinishReason != "" && !finished {
				finished = true
				calls := make([]core.ToolCallRequest, 0, len(order))
				for _, idx := range order {
					ac := toolAgg[idx]
					calls = append(calls, decodeToolCall(ac.id, ac.name, ac.args))
				}
				out <- model.Response{
					Partial:      false,
					Text:         textBuilder.String(),
					ToolCalls:    calls,
					FinishReason: ch.FinishReason,
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- classify(err)
		return
	}
	if !finished {
		errCh <- core.NewProviderError("openai", core.ProviderInvalidResponse, false, fmt.Errorf("stream ended without finish reason"))
	}
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (c *Client) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- classify(err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- core.NewProviderError("openai", core.ProviderInvalidResponse, false, fmt.Errorf("no choices returned"))
		return
	}
	ch0 := resp.Choices[0]
	calls := make([]core.ToolCallRequest, 0, len(ch0.Message.ToolCalls))
	for _, tc := range ch0.Message.ToolCalls {
		calls = append(calls, decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	out <- model.Response{
		Partial:      false,
		Text:         ch0.Message.Content,
		ToolCalls:    calls,
		FinishReason: ch0.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

// decodeToolCall parses argument JSON; unparseable payloads are flagged
// rather than failing the call so the engine can surface them as
// transcript data.
func decodeToolCall(id, name, args string) core.ToolCallRequest {
	req := core.ToolCallRequest{CallID: id, Name: name}
	if args == "" {
		req.Arguments = map[string]any{}
		return req
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		req.ArgumentsInvalid = true
		req.RawArguments = args
		return req
	}
	req.Arguments = parsed
	return req
}

// classify maps SDK / transport failures onto the provider error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewProviderError("openai", core.ProviderTimeout, true, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return core.NewProviderError("openai", core.ProviderRateLimited, true, err)
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return core.NewProviderError("openai", core.ProviderAuth, false, err)
		case apierr.StatusCode >= 500:
			return core.NewProviderError("openai", core.ProviderInvalidResponse, true, err)
		}
	}
	return core.NewProviderError("openai", core.ProviderInvalidResponse, false, err)
}

// Info returns metadata describing this OpenAI client implementation.
func (c *Client) Info() model.Info {
	return model.Info{
		Name:          c.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
