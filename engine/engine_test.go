package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/memory"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/sink"
	"github.com/hupe1980/agentloop/tool"
)

func newTestRegistry(t *testing.T, tools ...tool.Tool) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry()
	for _, tl := range tools {
		if err := registry.Register(tl); err != nil {
			t.Fatalf("register %s: %v", tl.Name(), err)
		}
	}
	return registry
}

func echoTool(name string) tool.Tool {
	return tool.NewFunctionTool(
		name,
		"echoes its input argument",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"value": map[string]any{"type": "string"},
			},
			"required": []string{"value"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["value"], nil
		},
	)
}

func TestRunFinalAnswerWithoutTools(t *testing.T) {
	client := model.NewMockClient(model.MockOutcome{Text: "hello there"})
	eng := New(client, newTestRegistry(t))
	defer eng.Close()

	buf := sink.NewBufferSink()
	result, err := eng.Run(context.Background(), "s1", "hi", buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.State != core.StateSuccess {
		t.Fatalf("expected SUCCESS, got %s", result.State)
	}
	if result.Text != "hello there" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
	if result.Iterations != 0 {
		t.Fatalf("expected 0 iterations, got %d", result.Iterations)
	}
	if buf.Final() == nil || buf.Final().Text != "hello there" {
		t.Fatalf("sink did not receive the final result")
	}
}

func TestRunEmptyInputFails(t *testing.T) {
	eng := New(model.NewMockClient(), newTestRegistry(t))
	defer eng.Close()

	if _, err := eng.Run(context.Background(), "s1", "   ", nil); err == nil {
		t.Fatal("expected error for blank input")
	}
}

func TestRunToolLoopAppendsResultsInOrder(t *testing.T) {
	client := model.NewMockClient(
		model.MockOutcome{ToolCalls: []core.ToolCallRequest{
			{CallID: "c1", Name: "echo", Arguments: map[string]any{"value": "first"}},
			{CallID: "c2", Name: "echo", Arguments: map[string]any{"value": "second"}},
		}},
		model.MockOutcome{Text: "done"},
	)
	eng := New(client, newTestRegistry(t, echoTool("echo")))
	defer eng.Close()

	result, err := eng.Run(context.Background(), "s1", "run both", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.State != core.StateSuccess || result.Text != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", result.Iterations)
	}

	sess, ok := eng.Session("s1")
	if !ok {
		t.Fatal("session not found")
	}
	turns := sess.Conversation.Snapshot()
	// user, assistant(tool calls), result c1, result c2, assistant(final)
	if len(turns) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(turns))
	}
	r1, ok := turns[2].(core.ToolResultTurn)
	if !ok || r1.CallID != "c1" || r1.Result != "first" {
		t.Fatalf("unexpected first result turn: %+v", turns[2])
	}
	r2, ok := turns[3].(core.ToolResultTurn)
	if !ok || r2.CallID != "c2" || r2.Result != "second" {
		t.Fatalf("unexpected second result turn: %+v", turns[3])
	}
}

func TestRunParallelBatchPreservesRequestOrder(t *testing.T) {
	slow := tool.NewFunctionTool("slow", "slow tool",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow-done", nil
		})
	fast := tool.NewFunctionTool("fast", "fast tool",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			return "fast-done", nil
		})

	client := model.NewMockClient(
		model.MockOutcome{ToolCalls: []core.ToolCallRequest{
			{CallID: "a", Name: "slow", Arguments: map[string]any{}},
			{CallID: "b", Name: "fast", Arguments: map[string]any{}},
		}},
		model.MockOutcome{Text: "done"},
	)
	eng := New(client, newTestRegistry(t, slow, fast), func(o *Options) {
		o.MaxParallelTools = 2
	})
	defer eng.Close()

	if _, err := eng.Run(context.Background(), "s1", "go", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, _ := eng.Session("s1")
	turns := sess.Conversation.Snapshot()
	r1 := turns[2].(core.ToolResultTurn)
	r2 := turns[3].(core.ToolResultTurn)
	if r1.CallID != "a" || r2.CallID != "b" {
		t.Fatalf("results out of request order: %s then %s", r1.CallID, r2.CallID)
	}
}

func TestRunUnknownToolContinues(t *testing.T) {
	client := model.NewMockClient(
		model.MockOutcome{ToolCalls: []core.ToolCallRequest{
			{CallID: "c1", Name: "nope", Arguments: map[string]any{}},
		}},
		model.MockOutcome{Text: "recovered"},
	)
	eng := New(client, newTestRegistry(t))
	defer eng.Close()

	result, err := eng.Run(context.Background(), "s1", "use the tool", nil)
	if err != nil {
		t.Fatalf("unknown tool must not fail the run: %v", err)
	}
	if result.State != core.StateSuccess || result.Text != "recovered" {
		t.Fatalf("unexpected result: %+v", result)
	}

	sess, _ := eng.Session("s1")
	turns := sess.Conversation.Snapshot()
	rt, ok := turns[2].(core.ToolResultTurn)
	if !ok {
		t.Fatalf("expected a tool result turn, got %T", turns[2])
	}
	if !strings.Contains(rt.Error, core.ToolUnknown) {
		t.Fatalf("expected UNKNOWN_TOOL in error, got %q", rt.Error)
	}
}

func TestRunInvalidArgumentsBecomeSchemaMismatch(t *testing.T) {
	called := false
	tl := tool.NewFunctionTool("echo", "echo",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			called = true
			return nil, nil
		})

	client := model.NewMockClient(
		model.MockOutcome{ToolCalls: []core.ToolCallRequest{
			{CallID: "c1", Name: "echo", ArgumentsInvalid: true, RawArguments: "{not json"},
		}},
		model.MockOutcome{Text: "ok"},
	)
	eng := New(client, newTestRegistry(t, tl))
	defer eng.Close()

	if _, err := eng.Run(context.Background(), "s1", "go", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("handler must not run for unparseable arguments")
	}

	sess, _ := eng.Session("s1")
	rt := sess.Conversation.Snapshot()[2].(core.ToolResultTurn)
	if !strings.Contains(rt.Error, core.ToolSchemaMismatch) {
		t.Fatalf("expected SCHEMA_MISMATCH in error, got %q", rt.Error)
	}
}

func TestRunToolPanicBecomesErrorResult(t *testing.T) {
	tl := tool.NewFunctionTool("boom", "panics",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			panic("kaboom")
		})

	client := model.NewMockClient(
		model.MockOutcome{ToolCalls: []core.ToolCallRequest{
			{CallID: "c1", Name: "boom", Arguments: map[string]any{}},
		}},
		model.MockOutcome{Text: "survived"},
	)
	eng := New(client, newTestRegistry(t, tl))
	defer eng.Close()

	result, err := eng.Run(context.Background(), "s1", "go", nil)
	if err != nil {
		t.Fatalf("panic must not fail the run: %v", err)
	}
	if result.Text != "survived" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
}

func TestRunIterationCapTruncates(t *testing.T) {
	// Every outcome requests another tool call so the loop never settles.
	outcomes := make([]model.MockOutcome, 0, 4)
	for i := 0; i < 4; i++ {
		outcomes = append(outcomes, model.MockOutcome{
			Text: "thinking",
			ToolCalls: []core.ToolCallRequest{
				{CallID: "c", Name: "echo", Arguments: map[string]any{"value": "x"}},
			},
		})
	}
	client := model.NewMockClient(outcomes...)
	logs := &recordingLogger{}
	eng := New(client, newTestRegistry(t, echoTool("echo")), func(o *Options) {
		o.Logger = logs
	})
	defer eng.Close()

	buf := sink.NewBufferSink()
	result, err := eng.Run(context.Background(), "s1", "loop forever", buf, WithMaxIterations(3))
	if err != nil {
		t.Fatalf("truncation is not an error: %v", err)
	}
	if result.State != core.StateTruncated {
		t.Fatalf("expected TRUNCATED, got %s", result.State)
	}
	if result.Iterations != 3 {
		t.Fatalf("expected 3 iterations, got %d", result.Iterations)
	}
	if result.Text != "thinking" {
		t.Fatalf("expected best-effort text, got %q", result.Text)
	}
	if buf.Final() == nil || buf.Final().State != core.StateTruncated {
		t.Fatal("sink did not receive the truncated final")
	}
	if !logs.has("engine.run.truncated", core.CodeIterationLimit) {
		t.Fatal("truncation must be classified with the iteration limit code")
	}
}

func TestRunStreamingMatchesBuffered(t *testing.T) {
	const answer = "streaming and buffered agree"

	run := func(streaming bool) (string, *sink.BufferSink) {
		client := model.NewMockClient(model.MockOutcome{Text: answer})
		eng := New(client, newTestRegistry(t))
		defer eng.Close()

		buf := sink.NewBufferSink()
		var optFns []func(o *RunOptions)
		if streaming {
			optFns = append(optFns, WithStreaming())
		}
		result, err := eng.Run(context.Background(), "s1", "say it", buf, optFns...)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return result.Text, buf
	}

	bufferedText, bufferedSink := run(false)
	streamedText, streamedSink := run(true)

	if bufferedText != streamedText {
		t.Fatalf("final text differs: %q vs %q", bufferedText, streamedText)
	}
	if len(bufferedSink.Deltas()) != 0 {
		t.Fatal("buffered run must not emit deltas")
	}
	if streamedSink.Streamed() != answer {
		t.Fatalf("deltas must concatenate to the final text, got %q", streamedSink.Streamed())
	}
}

func TestRunProviderFailureSurfacesAgentError(t *testing.T) {
	client := model.NewMockClient(model.MockOutcome{
		Err: core.NewProviderError("mock", core.ProviderAuth, false, errors.New("bad key")),
	})
	eng := New(client, newTestRegistry(t))
	defer eng.Close()

	buf := sink.NewBufferSink()
	_, err := eng.Run(context.Background(), "s1", "hi", buf)
	if err == nil {
		t.Fatal("expected error")
	}
	var agentErr *core.AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected *core.AgentError, got %T", err)
	}
	if agentErr.Code != core.CodeProviderUnavailable {
		t.Fatalf("expected PROVIDER_UNAVAILABLE, got %s", agentErr.Code)
	}
	if buf.Err() == nil {
		t.Fatal("sink did not receive the error")
	}
}

func TestRunCancellationDiscardsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	blocking := tool.NewFunctionTool("block", "blocks until cancel",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	client := model.NewMockClient(model.MockOutcome{ToolCalls: []core.ToolCallRequest{
		{CallID: "c1", Name: "block", Arguments: map[string]any{}},
	}})
	eng := New(client, newTestRegistry(t, blocking))
	defer eng.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := eng.Run(ctx, "s1", "hang", nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	var agentErr *core.AgentError
	if !errors.As(err, &agentErr) || agentErr.Code != core.CodeCancelled {
		t.Fatalf("expected CANCELLED agent error, got %v", err)
	}

	// The transcript keeps only whole turns: the user input survives, but
	// neither the assistant turn that requested the batch nor any result
	// turns are appended.
	sess, _ := eng.Session("s1")
	for _, turn := range sess.Conversation.Snapshot() {
		switch v := turn.(type) {
		case core.ToolResultTurn:
			t.Fatal("cancelled batch must not leave result turns behind")
		case core.AssistantTurn:
			if len(v.ToolCalls) > 0 {
				t.Fatal("cancelled batch must not leave unanswered tool calls behind")
			}
		}
	}
}

func TestRunAfterCancellationResumesCleanly(t *testing.T) {
	blocking := tool.NewFunctionTool("block", "blocks until cancel",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	var seen model.Request
	client := &capturingClient{
		inner: model.NewMockClient(
			model.MockOutcome{ToolCalls: []core.ToolCallRequest{
				{CallID: "c1", Name: "block", Arguments: map[string]any{}},
			}},
			model.MockOutcome{Text: "resumed"},
		),
		captured: &seen,
	}
	eng := New(client, newTestRegistry(t, blocking))
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := eng.Run(ctx, "s1", "hang", nil); err == nil {
		t.Fatal("expected cancellation error")
	}

	result, err := eng.Run(context.Background(), "s1", "continue", nil)
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if result.Text != "resumed" {
		t.Fatalf("unexpected text: %q", result.Text)
	}

	// The resumed model query must never contain a tool call without its
	// result turn.
	for i, turn := range seen.Turns {
		at, ok := turn.(core.AssistantTurn)
		if !ok || len(at.ToolCalls) == 0 {
			continue
		}
		for j, call := range at.ToolCalls {
			idx := i + 1 + j
			if idx >= len(seen.Turns) {
				t.Fatalf("tool call %s at turn %d has no result turn", call.CallID, i)
			}
			rt, ok := seen.Turns[idx].(core.ToolResultTurn)
			if !ok || rt.CallID != call.CallID {
				t.Fatalf("tool call %s at turn %d not followed by its result, got %T", call.CallID, i, seen.Turns[idx])
			}
		}
	}
}

// cancelAwareStreamClient emits one delta, then waits for cancellation and
// emits a second delta before surfacing the context error.
type cancelAwareStreamClient struct{}

func (c *cancelAwareStreamClient) Complete(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 4)
	errCh := make(chan error, 1)
	go func() {
		defer close(respCh)
		defer close(errCh)
		respCh <- model.Response{Partial: true, Text: "early"}
		<-ctx.Done()
		respCh <- model.Response{Partial: true, Text: "late"}
		errCh <- ctx.Err()
	}()
	return respCh, errCh
}

func (c *cancelAwareStreamClient) Info() model.Info {
	return model.Info{Name: "cancel-aware", Provider: "mock"}
}

func TestRunStreamingStopsDeltasAfterCancellation(t *testing.T) {
	eng := New(&cancelAwareStreamClient{}, newTestRegistry(t))
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf := sink.NewBufferSink()
	var once sync.Once
	firstDelta := make(chan struct{})
	snk := &sink.CallbackSink{
		DeltaFn: func(text string) {
			buf.OnDelta(text)
			once.Do(func() { close(firstDelta) })
		},
		FinalFn: buf.OnFinal,
		ErrorFn: buf.OnError,
	}
	go func() {
		<-firstDelta
		cancel()
	}()

	_, err := eng.Run(ctx, "s1", "stream", snk, WithStreaming())
	var agentErr *core.AgentError
	if !errors.As(err, &agentErr) || agentErr.Code != core.CodeCancelled {
		t.Fatalf("expected CANCELLED agent error, got %v", err)
	}

	deltas := buf.Deltas()
	if len(deltas) != 1 || deltas[0] != "early" {
		t.Fatalf("deltas must stop at cancellation, got %v", deltas)
	}
	if buf.Err() == nil {
		t.Fatal("sink did not receive the terminal error")
	}
}

func TestRunWritesDurableMemory(t *testing.T) {
	store := memory.NewInMemoryStore()

	calc := tool.NewFunctionTool("calculator", "adds numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		})

	client := model.NewMockClient(
		model.MockOutcome{ToolCalls: []core.ToolCallRequest{
			{CallID: "c1", Name: "calculator", Arguments: map[string]any{"a": float64(2), "b": float64(2)}},
		}},
		model.MockOutcome{Text: "2 + 2 = 4"},
	)
	eng := New(client, newTestRegistry(t, calc), func(o *Options) {
		o.MemoryStore = store
	})

	result, err := eng.Run(context.Background(), "s1", "What is 2+2 and save it to memory", nil, WithOwner("user-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "2 + 2 = 4" {
		t.Fatalf("unexpected text: %q", result.Text)
	}

	eng.Close() // drain the async write

	records, err := store.Retrieve(context.Background(), "user-1", "2+2", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !strings.Contains(records[0].Content, "4") {
		t.Fatalf("record lacks the answer: %q", records[0].Content)
	}
}

func TestRunRecallsMemoryIntoInstructions(t *testing.T) {
	store := memory.NewInMemoryStore()
	if err := store.Write(context.Background(), "user-1", "The user prefers metric units"); err != nil {
		t.Fatalf("write: %v", err)
	}

	var seen model.Request
	client := &capturingClient{inner: model.NewMockClient(model.MockOutcome{Text: "ok"}), captured: &seen}
	eng := New(client, newTestRegistry(t), func(o *Options) {
		o.Instructions = "Be helpful."
		o.MemoryStore = store
	})
	defer eng.Close()

	if _, err := eng.Run(context.Background(), "s1", "units preference question", nil, WithOwner("user-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(seen.Instructions, "Relevant memories:") {
		t.Fatalf("memories not injected: %q", seen.Instructions)
	}
	if !strings.Contains(seen.Instructions, "metric units") {
		t.Fatalf("recalled content missing: %q", seen.Instructions)
	}
}

func TestSessionReuseAcrossRuns(t *testing.T) {
	client := model.NewMockClient(
		model.MockOutcome{Text: "first"},
		model.MockOutcome{Text: "second"},
	)
	eng := New(client, newTestRegistry(t))
	defer eng.Close()

	if _, err := eng.Run(context.Background(), "s1", "one", nil); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if _, err := eng.Run(context.Background(), "s1", "two", nil); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	sess, _ := eng.Session("s1")
	if got := sess.Conversation.Len(); got != 4 {
		t.Fatalf("expected 4 turns across runs, got %d", got)
	}

	eng.CloseSession("s1")
	if _, ok := eng.Session("s1"); ok {
		t.Fatal("session should be gone after CloseSession")
	}
}

// recordingLogger captures log messages and their key/value args.
type recordingLogger struct {
	mu      sync.Mutex
	entries [][]any
}

func (r *recordingLogger) record(msg string, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, append([]any{msg}, args...))
}

// has reports whether a message was logged with the given value among its args.
func (r *recordingLogger) has(msg string, value any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry[0] != msg {
			continue
		}
		for _, arg := range entry[1:] {
			if arg == value {
				return true
			}
		}
	}
	return false
}

func (r *recordingLogger) Debug(msg string, args ...any) { r.record(msg, args) }
func (r *recordingLogger) Info(msg string, args ...any)  { r.record(msg, args) }
func (r *recordingLogger) Warn(msg string, args ...any)  { r.record(msg, args) }
func (r *recordingLogger) Error(msg string, args ...any) { r.record(msg, args) }

// capturingClient records the last request before delegating.
type capturingClient struct {
	inner    model.Client
	captured *model.Request
}

func (c *capturingClient) Complete(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	*c.captured = req
	return c.inner.Complete(ctx, req)
}

func (c *capturingClient) Info() model.Info { return c.inner.Info() }
