package sink

import "github.com/hupe1980/agentloop/core"

// CallbackSink adapts plain functions to the core.Sink interface. Nil
// callbacks are skipped.
type CallbackSink struct {
	DeltaFn func(text string)
	FinalFn func(result core.FinalResult)
	ErrorFn func(err error)
}

// OnDelta implements core.Sink.
func (c *CallbackSink) OnDelta(text string) {
	if c.DeltaFn != nil {
		c.DeltaFn(text)
	}
}

// OnFinal implements core.Sink.
func (c *CallbackSink) OnFinal(result core.FinalResult) {
	if c.FinalFn != nil {
		c.FinalFn(result)
	}
}

// OnError implements core.Sink.
func (c *CallbackSink) OnError(err error) {
	if c.ErrorFn != nil {
		c.ErrorFn(err)
	}
}
