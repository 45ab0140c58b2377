package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Summarizer compresses a contiguous range of dropped turns into a short
// textual summary. Implementations typically delegate to a model call.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Conversation is the ordered transcript of one session. It is safe for
// concurrent access, though the engine only ever appends from a single
// goroutine per run.
//
// Contract:
//   - Insertion order = chronological order = the order presented to the model
//   - Snapshot returns a defensive copy to avoid external mutation
//   - Trim never splits an assistant turn from its tool results and never
//     drops the exchange still awaiting a reply
type Conversation struct {
	mu         sync.RWMutex
	turns      []Turn
	created    time.Time
	updated    time.Time
	pinFirst   bool
	summarizer Summarizer
}

// ConversationOptions configures construction of a Conversation.
type ConversationOptions struct {
	// PinFirstUserTurn exempts the first user turn's exchange from trimming.
	PinFirstUserTurn bool
	// Summarizer, when set, folds trimmed ranges into a SummaryTurn
	// instead of deleting history outright.
	Summarizer Summarizer
}

// NewConversation creates an empty conversation.
func NewConversation(optFns ...func(o *ConversationOptions)) *Conversation {
	opts := ConversationOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	now := time.Now()

	return &Conversation{
		turns:      []Turn{},
		created:    now,
		updated:    now,
		pinFirst:   opts.PinFirstUserTurn,
		summarizer: opts.Summarizer,
	}
}

// Append adds a turn to the end of the transcript.
func (c *Conversation) Append(t Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, t)
	c.updated = time.Now()
}

// Snapshot returns a copy of the turn slice to prevent callers from
// mutating internal state.
func (c *Conversation) Snapshot() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	turns := make([]Turn, len(c.turns))
	copy(turns, c.turns)
	return turns
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Updated returns the time of the last append.
func (c *Conversation) Updated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}

// Size returns the estimated serialized size of the transcript in characters.
func (c *Conversation) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size()
}

// Trim reduces the transcript until its estimated size fits within budget
// (characters). Oldest unpinned exchange groups are removed first; the
// trailing exchange (from the most recent user turn onward) is never
// touched. With a summarizer configured the removed range is replaced by a
// single SummaryTurn; on summarizer failure the range is dropped as-is.
func (c *Conversation) Trim(ctx context.Context, budget int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if budget <= 0 || c.size() <= budget {
		return nil
	}

	groups := c.groupExchanges()
	if len(groups) <= 1 {
		return nil // only the active exchange, nothing droppable
	}

	// Pinned prefix: leading summary turns, plus the first real exchange
	// when configured. The final group is the active exchange.
	firstDroppable := 0
	for firstDroppable < len(groups)-1 {
		if _, ok := c.turns[groups[firstDroppable].start].(SummaryTurn); !ok {
			break
		}
		firstDroppable++
	}
	if c.pinFirst && firstDroppable < len(groups)-1 {
		firstDroppable++
	}

	dropUntil := firstDroppable
	for dropUntil < len(groups)-1 {
		dropUntil++
		if c.sizeExcluding(groups[firstDroppable].start, groups[dropUntil-1].end) <= budget {
			break
		}
	}
	if dropUntil == firstDroppable {
		return nil
	}

	dropStart := groups[firstDroppable].start
	dropEnd := groups[dropUntil-1].end
	dropped := make([]Turn, dropEnd-dropStart)
	copy(dropped, c.turns[dropStart:dropEnd])

	var replacement []Turn
	if c.summarizer != nil {
		if summary, err := c.summarizer.Summarize(ctx, dropped); err == nil && summary != "" {
			replacement = []Turn{SummaryTurn{Text: fmt.Sprintf("Summary of earlier conversation: %s", summary)}}
		}
	}

	kept := make([]Turn, 0, dropStart+len(replacement)+len(c.turns)-dropEnd)
	kept = append(kept, c.turns[:dropStart]...)
	kept = append(kept, replacement...)
	kept = append(kept, c.turns[dropEnd:]...)
	c.turns = kept
	c.updated = time.Now()

	return nil
}

func (c *Conversation) size() int {
	total := 0
	for _, t := range c.turns {
		total += len(RenderTurn(t))
	}
	return total
}

// sizeExcluding estimates the size if turns[from:to] were removed.
func (c *Conversation) sizeExcluding(from, to int) int {
	total := 0
	for i, t := range c.turns {
		if i >= from && i < to {
			continue
		}
		total += len(RenderTurn(t))
	}
	return total
}

type exchangeGroup struct{ start, end int }

// groupExchanges segments the transcript into exchange groups, each
// starting at a user (or summary) turn and running through the assistant
// and tool-result turns that answer it.
func (c *Conversation) groupExchanges() []exchangeGroup {
	var groups []exchangeGroup
	start := 0
	for i, t := range c.turns {
		switch t.(type) {
		case UserTurn, SummaryTurn:
			if i > start {
				groups = append(groups, exchangeGroup{start: start, end: i})
			}
			start = i
		}
	}
	if start < len(c.turns) || len(c.turns) == 0 {
		if len(c.turns) > 0 {
			groups = append(groups, exchangeGroup{start: start, end: len(c.turns)})
		}
	}
	return groups
}

// RenderTurn produces a compact role-tagged rendering of a turn, used for
// size estimation and for feeding summarizers.
func RenderTurn(t Turn) string {
	switch v := t.(type) {
	case UserTurn:
		return "user: " + v.Text
	case SummaryTurn:
		return "user: " + v.Text
	case AssistantTurn:
		var b strings.Builder
		b.WriteString("assistant: ")
		b.WriteString(v.Text)
		for _, tc := range v.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			fmt.Fprintf(&b, " [call %s %s(%s)]", tc.CallID, tc.Name, args)
		}
		return b.String()
	case ToolResultTurn:
		if v.Error != "" {
			return fmt.Sprintf("tool %s: error: %s", v.Name, v.Error)
		}
		res, _ := json.Marshal(v.Result)
		return fmt.Sprintf("tool %s: %s", v.Name, res)
	default:
		return ""
	}
}

// RenderTranscript joins rendered turns with newlines.
func RenderTranscript(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, RenderTurn(t))
	}
	return strings.Join(lines, "\n")
}
