package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/agentloop/core"
)

var _ Client = (*RetryClient)(nil)

// scriptedClient replays one scripted attempt per Complete call.
type scriptedClient struct {
	attempts []MockOutcome
	calls    int
}

func (s *scriptedClient) Complete(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 4)
	errCh := make(chan error, 1)

	var outcome MockOutcome
	if s.calls < len(s.attempts) {
		outcome = s.attempts[s.calls]
	}
	s.calls++

	go func() {
		defer close(respCh)
		defer close(errCh)
		if outcome.Text != "" {
			respCh <- Response{Partial: true, Text: outcome.Text}
		}
		if outcome.Err != nil {
			errCh <- outcome.Err
			return
		}
		respCh <- Response{Partial: false, Text: outcome.Text}
	}()

	return respCh, errCh
}

func (s *scriptedClient) Info() Info { return Info{Name: "scripted", Provider: "mock"} }

func fastRetry(inner Client, maxAttempts int) *RetryClient {
	return NewRetryClient(inner, func(o *RetryOptions) {
		o.MaxAttempts = maxAttempts
		o.BaseDelay = time.Millisecond
		o.MaxDelay = 4 * time.Millisecond
	})
}

func drain(respCh <-chan Response, errCh <-chan error) ([]Response, error) {
	var responses []Response
	for resp := range respCh {
		responses = append(responses, resp)
	}
	return responses, <-errCh
}

func TestRetryRecoversFromRetriableError(t *testing.T) {
	rateLimited := core.NewProviderError("mock", core.ProviderRateLimited, true, errors.New("429"))
	inner := &scriptedClient{attempts: []MockOutcome{
		{Err: rateLimited},
		{Err: rateLimited},
		{Text: "ok"},
	}}

	respCh, errCh := fastRetry(inner, 3).Complete(context.Background(), Request{})
	responses, err := drain(respCh, errCh)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
	if len(responses) == 0 || responses[len(responses)-1].Text != "ok" {
		t.Fatalf("unexpected responses: %+v", responses)
	}
}

func TestRetryStopsAtAttemptBudget(t *testing.T) {
	rateLimited := core.NewProviderError("mock", core.ProviderRateLimited, true, errors.New("429"))
	inner := &scriptedClient{attempts: []MockOutcome{
		{Err: rateLimited}, {Err: rateLimited}, {Err: rateLimited},
	}}

	respCh, errCh := fastRetry(inner, 2).Complete(context.Background(), Request{})
	_, err := drain(respCh, errCh)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestRetrySkipsNonRetriableError(t *testing.T) {
	authErr := core.NewProviderError("mock", core.ProviderAuth, false, errors.New("401"))
	inner := &scriptedClient{attempts: []MockOutcome{{Err: authErr}}}

	respCh, errCh := fastRetry(inner, 3).Complete(context.Background(), Request{})
	_, err := drain(respCh, errCh)

	var pe *core.ProviderError
	if !errors.As(err, &pe) || pe.Kind != core.ProviderAuth {
		t.Fatalf("expected the auth error unchanged, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("non-retriable error must not be retried, got %d attempts", inner.calls)
	}
}

func TestRetryNeverRestartsAfterForwardedChunk(t *testing.T) {
	// The attempt streams a chunk before failing retriably; the sequence is
	// non-restartable, so the error must surface without another attempt.
	rateLimited := core.NewProviderError("mock", core.ProviderRateLimited, true, errors.New("mid-stream"))
	inner := &scriptedClient{attempts: []MockOutcome{{Text: "partial", Err: rateLimited}}}

	respCh, errCh := fastRetry(inner, 3).Complete(context.Background(), Request{})
	responses, err := drain(respCh, errCh)
	if err == nil {
		t.Fatal("expected the mid-stream error to surface")
	}
	if inner.calls != 1 {
		t.Fatalf("expected no retry after output, got %d attempts", inner.calls)
	}
	if len(responses) != 1 || responses[0].Text != "partial" {
		t.Fatalf("forwarded chunk lost: %+v", responses)
	}
}
