// Package agentloop provides a high-level façade over the agent execution
// engine and its collaborators (completion clients, tool registry, memory
// stores, delivery sinks, logging). Most applications interact with this
// package by:
//  1. Creating an AgentLoop via New() with a completion client
//  2. Registering tools
//  3. Running sessions synchronously (Run) or with streaming delivery
//     (Run with WithStreaming and a push sink)
//
// The façade delegates orchestration to engine.Engine while keeping setup
// and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply a
// durable memory store and a structured logger.
package agentloop

import (
	"context"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/sink"
	"github.com/hupe1980/agentloop/tool"
)

// Options configures the AgentLoop instance.
type Options struct {
	// Instructions is the system-level guidance for every run.
	Instructions string

	// MaxIterations bounds the think/act loop per run (default 8).
	MaxIterations int

	// MemoryStore enables cross-session memory. Nil disables it.
	MemoryStore core.MemoryStore

	// TrimBudget bounds the transcript size in characters (0 disables).
	TrimBudget int

	// Summarizer folds trimmed history into summary turns when set.
	Summarizer core.Summarizer

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// AgentLoop is the high-level façade aggregating the engine, the tool
// registry and the completion client.
type AgentLoop struct {
	registry *tool.Registry
	engine   *engine.Engine
}

// New creates a new AgentLoop around a completion client.
func New(client model.Client, optFns ...func(o *Options)) *AgentLoop {
	opts := Options{
		MaxIterations: engine.DefaultMaxIterations,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	registry := tool.NewRegistry(func(o *tool.RegistryOptions) {
		o.Logger = opts.Logger
	})

	eng := engine.New(client, registry, func(o *engine.Options) {
		o.Instructions = opts.Instructions
		o.MaxIterations = opts.MaxIterations
		o.MemoryStore = opts.MemoryStore
		o.TrimBudget = opts.TrimBudget
		o.Summarizer = opts.Summarizer
		o.Logger = opts.Logger
	})

	return &AgentLoop{registry: registry, engine: eng}
}

// RegisterTool adds a tool; it fails if the name is already taken.
func (a *AgentLoop) RegisterTool(t tool.Tool) error { return a.registry.Register(t) }

// Registry exposes the underlying tool registry.
func (a *AgentLoop) Registry() *tool.Registry { return a.registry }

// Engine exposes the underlying engine for advanced use.
func (a *AgentLoop) Engine() *engine.Engine { return a.engine }

// Run executes one buffered exchange and returns the terminal result.
func (a *AgentLoop) Run(ctx context.Context, sessionID, input string, optFns ...func(o *engine.RunOptions)) (*core.FinalResult, error) {
	buf := sink.NewBufferSink()
	return a.engine.Run(ctx, sessionID, input, buf, optFns...)
}

// RunWithSink executes one exchange delivering output to the given sink.
func (a *AgentLoop) RunWithSink(ctx context.Context, sessionID, input string, snk core.Sink, optFns ...func(o *engine.RunOptions)) (*core.FinalResult, error) {
	return a.engine.Run(ctx, sessionID, input, snk, optFns...)
}

// Close stops background work and drains in-flight memory writes.
func (a *AgentLoop) Close() { a.engine.Close() }
