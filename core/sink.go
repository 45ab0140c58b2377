package core

// RunState classifies how a run terminated.
type RunState string

const (
	// StateSuccess means the model produced a final answer.
	StateSuccess RunState = "SUCCESS"
	// StateTruncated means the iteration cap was reached; Text carries the
	// best-effort partial answer.
	StateTruncated RunState = "TRUNCATED"
	// StateError means the run aborted with an AgentError.
	StateError RunState = "ERROR"
)

// FinalResult is the terminal outcome of one engine run.
type FinalResult struct {
	SessionID  string   `json:"session_id"`
	Text       string   `json:"text"`
	State      RunState `json:"state"`
	Iterations int      `json:"iterations"`
}

// Sink receives engine output. Implementations must be safe to call from
// the run goroutine and must not block the engine indefinitely; a slow
// sink degrades latency, not correctness.
//
// The engine pushes: zero or more OnDelta calls (streaming mode only),
// then exactly one OnFinal or OnError.
type Sink interface {
	OnDelta(text string)
	OnFinal(result FinalResult)
	OnError(err error)
}
