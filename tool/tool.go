// Package tool implements the function / tool calling subsystem that lets
// the engine invoke structured capabilities (APIs, computations,
// side-effects) with schema validated arguments, consistent error handling
// and rich metadata for LLM guidance.
package tool

import (
	"context"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
)

// Tool defines the interface for extending agent capabilities with
// external functions.
//
// Tools are registered with a Registry before engine startup and are
// immutable during a run. Argument validation happens at resolution time,
// so Call receives arguments that already conform to the declared schema
// when invoked through the registry.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions (snake_case names)
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be safe for concurrent use: independent calls in one batch may run
//     in parallel
//   - Respect ctx cancellation for long-running work
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool
	// does. It is provided to the LLM to help it decide when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with structured arguments.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed
// information.
type ValidationError = util.ValidationError

// Error re-exports the shared tool error type for convenience.
type Error = core.ToolError
