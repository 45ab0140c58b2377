// Package engine implements the agent execution engine: the
// think→act→observe loop per session, coordination of the completion
// client, tool registry, memory store and delivery sink, and the session
// table with idle eviction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/session"
	"github.com/hupe1980/agentloop/tool"
)

// DefaultMaxIterations bounds the think/act loop when no per-run override
// is given, guaranteeing termination under pathological tool-calling loops.
const DefaultMaxIterations = 8

// Options configures an Engine.
type Options struct {
	// Instructions is the system-level guidance prepended to every
	// completion request.
	Instructions string
	// MaxIterations is the default think/act loop bound (default 8).
	MaxIterations int
	// TrimBudget bounds the transcript's estimated serialized size in
	// characters before each model query. Zero disables trimming.
	TrimBudget int
	// Summarizer, when set, folds trimmed history into summary turns.
	Summarizer core.Summarizer
	// PinFirstUserTurn exempts the first exchange from trimming.
	PinFirstUserTurn bool
	// MemoryStore enables long-term memory recall and write. Optional.
	MemoryStore core.MemoryStore
	// MemoryRecallLimit caps how many records are injected per run (default 5).
	MemoryRecallLimit int
	// ModelTimeout bounds each completion call. Zero means no timeout.
	ModelTimeout time.Duration
	// ToolTimeout bounds each tool execution. Zero means no timeout.
	ToolTimeout time.Duration
	// MaxParallelTools caps concurrent tool executions within one batch.
	// Zero or negative means no explicit limit.
	MaxParallelTools int
	// SessionIdleTimeout evicts idle sessions (default 30m).
	SessionIdleTimeout time.Duration
	Logger             logging.Logger
}

// Engine orchestrates agent runs. One Engine serves many sessions
// concurrently; each session's run is strictly sequential.
type Engine struct {
	client   model.Client
	registry *tool.Registry
	sessions *session.Store
	opts     Options
	logger   logging.Logger

	// memWrites tracks in-flight asynchronous memory writes so Close can
	// drain them.
	memWrites sync.WaitGroup
}

// New creates an Engine around a completion client and tool registry.
func New(client model.Client, registry *tool.Registry, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxIterations:      DefaultMaxIterations,
		MemoryRecallLimit:  5,
		SessionIdleTimeout: 30 * time.Minute,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if registry == nil {
		registry = tool.NewRegistry()
	}

	convOpts := []func(o *core.ConversationOptions){
		func(o *core.ConversationOptions) {
			o.Summarizer = opts.Summarizer
			o.PinFirstUserTurn = opts.PinFirstUserTurn
		},
	}

	return &Engine{
		client:   client,
		registry: registry,
		sessions: session.NewStore(func(o *session.StoreOptions) {
			o.IdleTimeout = opts.SessionIdleTimeout
			o.ConversationOptions = convOpts
			o.Logger = opts.Logger
		}),
		opts:   opts,
		logger: opts.Logger,
	}
}

// RunOptions configures a single run.
type RunOptions struct {
	// MaxIterations overrides the engine default for this run.
	MaxIterations int
	// Streaming forwards text deltas to the sink as they arrive.
	Streaming bool
	// OwnerID scopes memory recall/write. Empty disables memory for the run.
	OwnerID string
}

// WithMaxIterations overrides the loop bound for one run.
func WithMaxIterations(n int) func(o *RunOptions) {
	return func(o *RunOptions) { o.MaxIterations = n }
}

// WithStreaming enables delta forwarding for one run.
func WithStreaming() func(o *RunOptions) {
	return func(o *RunOptions) { o.Streaming = true }
}

// WithOwner sets the memory owner identity for one run.
func WithOwner(ownerID string) func(o *RunOptions) {
	return func(o *RunOptions) { o.OwnerID = ownerID }
}

// Run drives one think→act→observe loop for the session until a terminal
// state is reached.
//
// The sink receives zero or more OnDelta calls (streaming runs only)
// followed by exactly one OnFinal or OnError. The returned FinalResult
// mirrors OnFinal; a returned error mirrors OnError and is always a
// *core.AgentError.
func (e *Engine) Run(ctx context.Context, sessionID, input string, snk core.Sink, optFns ...func(o *RunOptions)) (*core.FinalResult, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input must not be empty")
	}
	if snk == nil {
		snk = noopSink{}
	}

	runOpts := RunOptions{MaxIterations: e.opts.MaxIterations}
	for _, fn := range optFns {
		fn(&runOpts)
	}
	if runOpts.MaxIterations <= 0 {
		runOpts.MaxIterations = e.opts.MaxIterations
	}

	runID := uuid.NewString()
	logger := e.logger
	logger.Info("engine.run.start", "session_id", sessionID, "run_id", runID, "streaming", runOpts.Streaming)

	sess := e.sessions.Ensure(sessionID, runOpts.OwnerID)
	conv := sess.Conversation

	instructions := e.buildInstructions(ctx, runOpts.OwnerID, input)

	conv.Append(core.UserTurn{Text: input})

	iterations := 0
	lastText := ""

	for {
		if e.opts.TrimBudget > 0 {
			if err := conv.Trim(ctx, e.opts.TrimBudget); err != nil {
				logger.Warn("engine.trim.failed", "session_id", sessionID, "error", err.Error())
			}
		}

		resp, err := e.queryModel(ctx, conv, instructions, runOpts.Streaming, snk)
		if err != nil {
			agentErr := e.classifyRunError(ctx, sessionID, err)
			logger.Error("engine.run.failed", "session_id", sessionID, "run_id", runID, "code", agentErr.Code, "error", agentErr.Error())
			snk.OnError(agentErr)
			return nil, agentErr
		}

		if resp.Text != "" {
			lastText = resp.Text
		}

		if len(resp.ToolCalls) == 0 {
			conv.Append(core.AssistantTurn{Text: resp.Text})
			final := core.FinalResult{
				SessionID:  sessionID,
				Text:       resp.Text,
				State:      core.StateSuccess,
				Iterations: iterations,
			}
			logger.Info("engine.run.success", "session_id", sessionID, "run_id", runID, "iterations", iterations)
			snk.OnFinal(final)
			e.writeMemoryAsync(runOpts.OwnerID, input, final.Text)
			sess.Touch()
			return &final, nil
		}

		results, err := e.executeBatch(ctx, resp.ToolCalls)
		if err != nil {
			// Cancelled mid-batch: neither the assistant turn nor any
			// result turns are appended, so a resumed session never sends
			// the model a tool call without its result.
			agentErr := core.NewAgentError(sessionID, core.CodeCancelled, err)
			logger.Warn("engine.run.cancelled", "session_id", sessionID, "run_id", runID)
			snk.OnError(agentErr)
			return nil, agentErr
		}
		conv.Append(core.AssistantTurn{Text: resp.Text, ToolCalls: resp.ToolCalls})
		for _, result := range results {
			conv.Append(result)
		}

		iterations++
		if iterations >= runOpts.MaxIterations {
			final := core.FinalResult{
				SessionID:  sessionID,
				Text:       lastText,
				State:      core.StateTruncated,
				Iterations: iterations,
			}
			logger.Warn("engine.run.truncated", "session_id", sessionID, "run_id", runID, "iterations", iterations, "code", core.CodeIterationLimit)
			snk.OnFinal(final)
			e.writeMemoryAsync(runOpts.OwnerID, input, final.Text)
			sess.Touch()
			return &final, nil
		}
	}
}

// queryModel performs one completion call, forwarding streamed deltas to
// the sink while buffering the terminal response. The transcript is only
// mutated by the caller after the full sequence has been drained, so a
// cancelled stream never leaves a partial turn behind.
func (e *Engine) queryModel(
	ctx context.Context,
	conv *core.Conversation,
	instructions string,
	streaming bool,
	snk core.Sink,
) (*model.Response, error) {
	callCtx := ctx
	if e.opts.ModelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.ModelTimeout)
		defer cancel()
	}

	req := model.Request{
		Instructions: instructions,
		Turns:        conv.Snapshot(),
		Tools:        e.registry.Definitions(),
		Stream:       streaming,
	}

	start := time.Now()
	respCh, errCh := e.client.Complete(callCtx, req)

	var terminal *model.Response
	for resp := range respCh {
		if resp.Partial {
			if streaming && resp.Text != "" && ctx.Err() == nil {
				snk.OnDelta(resp.Text)
			}
			continue
		}
		r := resp
		terminal = &r
	}

	if err := <-errCh; err != nil {
		return nil, err
	}
	if terminal == nil {
		return nil, core.NewProviderError(e.client.Info().Provider, core.ProviderInvalidResponse, false, fmt.Errorf("completion ended without a terminal response"))
	}

	e.logger.Debug(
		"engine.model.completed",
		"model", e.client.Info().Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"tool_calls", len(terminal.ToolCalls),
	)

	return terminal, nil
}

// buildInstructions merges the static instructions with recalled memories
// for the run's owner.
func (e *Engine) buildInstructions(ctx context.Context, ownerID, input string) string {
	instructions := e.opts.Instructions
	if e.opts.MemoryStore == nil || ownerID == "" {
		return instructions
	}

	records, err := e.opts.MemoryStore.Retrieve(ctx, ownerID, input, e.opts.MemoryRecallLimit)
	if err != nil {
		e.logger.Warn("engine.memory.retrieve_failed", "owner_id", ownerID, "error", err.Error())
		return instructions
	}
	if len(records) == 0 {
		return instructions
	}

	var b strings.Builder
	b.WriteString(instructions)
	if instructions != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Relevant memories:\n")
	for i, rec := range records {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rec.Content)
	}

	return b.String()
}

// writeMemoryAsync persists a durable-fact summary of the exchange without
// blocking the user-facing result. Failures are logged, never surfaced.
func (e *Engine) writeMemoryAsync(ownerID, input, finalText string) {
	if e.opts.MemoryStore == nil || ownerID == "" || finalText == "" {
		return
	}

	content := fmt.Sprintf("User asked: %s. Answer: %s", input, finalText)

	e.memWrites.Add(1)
	go func() {
		defer e.memWrites.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.opts.MemoryStore.Write(ctx, ownerID, content); err != nil {
			e.logger.Warn("engine.memory.write_failed", "owner_id", ownerID, "error", err.Error())
		}
	}()
}

// classifyRunError maps completion failures onto terminal agent errors.
func (e *Engine) classifyRunError(ctx context.Context, sessionID string, err error) *core.AgentError {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return core.NewAgentError(sessionID, core.CodeCancelled, err)
	}
	return core.NewAgentError(sessionID, core.CodeProviderUnavailable, err)
}

// Session returns the live session for inspection, if present.
func (e *Engine) Session(sessionID string) (*session.Session, bool) {
	return e.sessions.Get(sessionID)
}

// CloseSession removes a session explicitly.
func (e *Engine) CloseSession(sessionID string) {
	e.sessions.Delete(sessionID)
}

// Close stops background work and drains in-flight memory writes.
func (e *Engine) Close() {
	e.sessions.Close()
	e.memWrites.Wait()
}

type noopSink struct{}

func (noopSink) OnDelta(string)           {}
func (noopSink) OnFinal(core.FinalResult) {}
func (noopSink) OnError(error)            {}
