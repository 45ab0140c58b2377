// Package sink ships the built-in delivery sink implementations: an
// in-memory buffer for direct-return callers and tests, a callback
// adapter, and a WebSocket push sink for real-time clients.
package sink

import (
	"strings"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// BufferSink accumulates deltas and the terminal outcome in memory. Safe
// for concurrent use.
type BufferSink struct {
	mu     sync.Mutex
	deltas []string
	final  *core.FinalResult
	err    error
}

// NewBufferSink creates an empty buffer sink.
func NewBufferSink() *BufferSink { return &BufferSink{} }

// OnDelta implements core.Sink.
func (b *BufferSink) OnDelta(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deltas = append(b.deltas, text)
}

// OnFinal implements core.Sink.
func (b *BufferSink) OnFinal(result core.FinalResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.final = &result
}

// OnError implements core.Sink.
func (b *BufferSink) OnError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Deltas returns a copy of the received delta sequence.
func (b *BufferSink) Deltas() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	deltas := make([]string, len(b.deltas))
	copy(deltas, b.deltas)
	return deltas
}

// Streamed returns the concatenation of all received deltas.
func (b *BufferSink) Streamed() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.deltas, "")
}

// Final returns the terminal result, if one arrived.
func (b *BufferSink) Final() *core.FinalResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final
}

// Err returns the terminal error, if one arrived.
func (b *BufferSink) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
