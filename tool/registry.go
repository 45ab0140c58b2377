package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

// Registry holds the callable capabilities exposed to the model. It is
// populated before engine startup and read-only afterwards; Resolve and
// Definitions are safe for concurrent use across sessions.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// RegistryOptions configures construction of a Registry.
type RegistryOptions struct {
	Logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{tools: map[string]Tool{}, logger: opts.Logger}
}

// Register adds a tool; it fails if the name is already present.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	r.tools[name] = t
	r.logger.Debug("tool.registered", "tool", name)

	return nil
}

// MustRegister is Register that panics on error, for static setup code.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions produces the declarative tool list handed to the completion
// client.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		t := r.tools[name]
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve looks up a tool and validates the arguments against its declared
// schema. Schema mismatches never reach the handler.
//
// Error Semantics:
//
//	unknown name        -> *core.ToolError{Code: UNKNOWN_TOOL}
//	validation failure  -> *core.ToolError{Code: SCHEMA_MISMATCH}
func (r *Registry) Resolve(name string, args map[string]any) (*BoundInvocation, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("tool.resolve.unknown", "tool", name)
		return nil, &core.ToolError{
			Tool:    name,
			Code:    core.ToolUnknown,
			Message: fmt.Sprintf("tool %q is not registered", name),
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := util.ValidateParameters(args, t.Parameters()); err != nil {
		r.logger.Warn("tool.resolve.schema_mismatch", "tool", name, "error", err.Error())
		return nil, &core.ToolError{
			Tool:    name,
			Code:    core.ToolSchemaMismatch,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Details: err,
		}
	}

	return &BoundInvocation{tool: t, args: args, logger: r.logger}, nil
}

// BoundInvocation is a resolved, validated tool call ready to execute.
type BoundInvocation struct {
	tool   Tool
	args   map[string]any
	logger logging.Logger
}

// Tool returns the resolved tool.
func (b *BoundInvocation) Tool() Tool { return b.tool }

// Execute runs the tool. Handler failures are captured as *core.ToolError,
// never propagated as process-fatal; a context deadline hit during
// execution maps to the TIMEOUT code.
//
// Logging Fields:
//
//	tool: tool name
//	duration_ms: execution time in milliseconds
func (b *BoundInvocation) Execute(ctx context.Context) (any, error) {
	start := time.Now()

	result, err := b.tool.Call(ctx, b.args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.logger.Warn("tool.call.timeout", "tool", b.tool.Name(), "duration_ms", time.Since(start).Milliseconds())
			return nil, &core.ToolError{
				Tool:    b.tool.Name(),
				Code:    core.ToolTimeout,
				Message: "tool execution timed out",
			}
		}

		var toolErr *core.ToolError
		if errors.As(err, &toolErr) {
			b.logger.Error("tool.call.error", "tool", b.tool.Name(), "code", toolErr.Code, "error", toolErr.Message)
			return nil, toolErr
		}

		b.logger.Error("tool.call.error", "tool", b.tool.Name(), "error", err.Error())

		return nil, &core.ToolError{
			Tool:    b.tool.Name(),
			Code:    core.ToolExecutionFailed,
			Message: err.Error(),
		}
	}

	b.logger.Info("tool.call.success", "tool", b.tool.Name(), "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
