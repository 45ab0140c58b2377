package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
)

// executeBatch runs one assistant turn's tool calls, possibly in parallel,
// and returns exactly one result turn per request in original request
// order. It must:
//   - Respect ctx cancellation (the whole batch is discarded on cancel)
//   - Never panic (recover internally and convert to an error result)
//   - Convert resolution and execution failures into error results, never
//     batch failures
func (e *Engine) executeBatch(ctx context.Context, calls []core.ToolCallRequest) ([]core.ToolResultTurn, error) {
	n := len(calls)
	if n == 0 {
		return nil, nil
	}

	// Fast path: single call, execute inline.
	if n == 1 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result := e.executeOne(ctx, calls[0])
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return []core.ToolResultTurn{result}, nil
	}

	maxPar := e.opts.MaxParallelTools
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	results := make([]core.ToolResultTurn, n)
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)

	batchStart := time.Now()
	for i := range calls {
		if ctx.Err() != nil { // pre-check cancellation
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, call core.ToolCallRequest) {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			results[idx] = e.executeOne(ctx, call)
		}(i, calls[i])
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.logger.Debug(
		"engine.tools.batch.complete",
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return results, nil
}

// executeOne resolves and executes a single tool call, converting every
// failure mode into an error result turn.
func (e *Engine) executeOne(ctx context.Context, call core.ToolCallRequest) (result core.ToolResultTurn) {
	result = core.ToolResultTurn{CallID: call.CallID, Name: call.Name}

	defer func() { // panic safety
		if r := recover(); r != nil {
			e.logger.Error("engine.tool.panic", "tool", call.Name, "recover", r, "stack", string(debug.Stack()))
			result.Result = nil
			result.Error = fmt.Sprintf("tool error [%s] in %s: handler panicked", core.ToolExecutionFailed, call.Name)
		}
	}()

	if call.ArgumentsInvalid {
		err := core.NewToolError(call.Name, core.ToolSchemaMismatch, "tool call arguments could not be parsed as JSON")
		e.logger.Warn("engine.tool.arguments_invalid", "tool", call.Name, "call_id", call.CallID)
		result.Error = err.Error()
		return result
	}

	bound, err := e.registry.Resolve(call.Name, call.Arguments)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	execCtx := ctx
	if e.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.opts.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	value, err := bound.Execute(execCtx)
	e.logger.Info(
		"engine.tool.executed",
		"tool", call.Name,
		"call_id", call.CallID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)

	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Result = value
	return result
}
