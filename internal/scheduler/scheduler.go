// Package scheduler drives assistant runs to completion: it serializes
// runs per thread, cancels stale ones, polls for progress, and feeds tool
// calls through the dispatcher.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ordsvc/attendant/internal/assistant"
	"github.com/ordsvc/attendant/internal/dispatch"
)

// FallbackReply is returned when a run completes but produces no
// assistant message attributable to it.
const FallbackReply = "Sorry, I couldn't produce a response."

// ToolExecutor runs a single tool call and returns its result envelope.
type ToolExecutor interface {
	Execute(ctx context.Context, functionName, rawArgs string) dispatch.Result
}

// Scheduler owns run execution for assistant threads. At most one run is
// driven per thread at a time; a new prompt cancels whatever run was
// still in flight.
type Scheduler struct {
	svc            assistant.Service
	tools          ToolExecutor
	pollInterval   time.Duration
	pollMaxRetries int
	backoffBase    time.Duration
	maxRunWait     time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	Assistant      assistant.Service
	Tools          ToolExecutor
	PollInterval   time.Duration // defaults to 500ms
	PollMaxRetries int           // transient poll failures tolerated, defaults to 3
	BackoffBase    time.Duration // defaults to 1s
	MaxRunWait     time.Duration // wall clock cap per run, defaults to 5m
}

// New creates a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.Assistant == nil {
		return nil, fmt.Errorf("scheduler: assistant service is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("scheduler: tool executor is required")
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	pollMaxRetries := opts.PollMaxRetries
	if pollMaxRetries <= 0 {
		pollMaxRetries = 3
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	maxRunWait := opts.MaxRunWait
	if maxRunWait <= 0 {
		maxRunWait = 5 * time.Minute
	}
	return &Scheduler{
		svc:            opts.Assistant,
		tools:          opts.Tools,
		pollInterval:   pollInterval,
		pollMaxRetries: pollMaxRetries,
		backoffBase:    backoffBase,
		maxRunWait:     maxRunWait,
		locks:          make(map[string]*sync.Mutex),
	}, nil
}

// keyLock returns the mutex guarding a single thread's run lifecycle.
func (s *Scheduler) keyLock(threadRef string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[threadRef]
	if !ok {
		l = &sync.Mutex{}
		s.locks[threadRef] = l
	}
	return l
}

// Start posts the prompt to the thread, starts a run, drives it through
// tool calls, and returns the assistant's reply text. Any run still in
// flight on the thread is cancelled first so the new prompt always wins.
func (s *Scheduler) Start(ctx context.Context, threadRef, prompt string) (string, error) {
	lock := s.keyLock(threadRef)
	lock.Lock()
	defer lock.Unlock()

	if err := s.cancelActiveRuns(ctx, threadRef); err != nil {
		return "", err
	}

	if err := s.svc.PostMessage(ctx, threadRef, prompt); err != nil {
		return "", fmt.Errorf("scheduler: post message: %w", err)
	}

	run, err := s.svc.CreateRun(ctx, threadRef)
	if err != nil {
		return "", fmt.Errorf("scheduler: create run: %w", err)
	}
	log.Printf("scheduler: started run %s on thread %s", run.ID, threadRef)

	run, err = s.drive(ctx, threadRef, run)
	if err != nil {
		return "", err
	}

	switch run.Status {
	case assistant.StatusCompleted:
		return s.replyFor(ctx, threadRef, run.ID)
	default:
		return "", fmt.Errorf("scheduler: run %s ended in status %s", run.ID, run.Status)
	}
}

// cancelActiveRuns cancels every non-terminal run on the thread so the
// next run can be created. The API rejects a second concurrent run.
func (s *Scheduler) cancelActiveRuns(ctx context.Context, threadRef string) error {
	runs, err := s.svc.ListRuns(ctx, threadRef)
	if err != nil {
		return fmt.Errorf("scheduler: list runs: %w", err)
	}
	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		log.Printf("scheduler: cancelling stale run %s (%s) on thread %s", run.ID, run.Status, threadRef)
		if err := s.svc.CancelRun(ctx, threadRef, run.ID); err != nil {
			return fmt.Errorf("scheduler: cancel run %s: %w", run.ID, err)
		}
		if err := s.awaitTerminal(ctx, threadRef, run.ID); err != nil {
			return err
		}
	}
	return nil
}

// awaitTerminal polls a cancelled run until it actually reaches a
// terminal state.
func (s *Scheduler) awaitTerminal(ctx context.Context, threadRef, runID string) error {
	deadline := time.Now().Add(s.maxRunWait)
	for {
		run, err := s.pollRun(ctx, threadRef, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("scheduler: run %s did not terminate after cancel", runID)
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}

// drive polls the run until it reaches a terminal state, servicing
// requires_action by executing the requested tool calls.
func (s *Scheduler) drive(ctx context.Context, threadRef string, run assistant.Run) (assistant.Run, error) {
	deadline := time.Now().Add(s.maxRunWait)
	for {
		if run.Status.Terminal() {
			return run, nil
		}
		if run.Status == assistant.StatusRequiresAction {
			if err := s.serviceToolCalls(ctx, threadRef, run); err != nil {
				return run, err
			}
		}
		if time.Now().After(deadline) {
			if err := s.svc.CancelRun(ctx, threadRef, run.ID); err != nil {
				log.Printf("scheduler: cancel overdue run %s: %v", run.ID, err)
			}
			return run, fmt.Errorf("scheduler: run %s exceeded %s", run.ID, s.maxRunWait)
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return run, err
		}
		next, err := s.pollRun(ctx, threadRef, run.ID)
		if err != nil {
			return run, err
		}
		run = next
	}
}

// serviceToolCalls executes every pending tool call and submits the
// batch. An empty batch is still submitted so the run can move on.
func (s *Scheduler) serviceToolCalls(ctx context.Context, threadRef string, run assistant.Run) error {
	outputs := make([]assistant.ToolOutput, 0, len(run.PendingToolCalls))
	for _, call := range run.PendingToolCalls {
		log.Printf("scheduler: run %s requested tool %s", run.ID, call.Name)
		result := s.tools.Execute(ctx, call.Name, call.Arguments)
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("scheduler: encode tool output: %w", err)
		}
		outputs = append(outputs, assistant.ToolOutput{CallID: call.ID, Output: string(payload)})
	}
	if err := s.svc.SubmitToolOutputs(ctx, threadRef, run.ID, outputs); err != nil {
		return fmt.Errorf("scheduler: submit tool outputs: %w", err)
	}
	return nil
}

// pollRun fetches run state, retrying transient failures with backoff.
// When the service can refresh its credentials, a failed poll triggers a
// refresh before the next attempt.
func (s *Scheduler) pollRun(ctx context.Context, threadRef, runID string) (assistant.Run, error) {
	var lastErr error
	for attempt := 0; attempt <= s.pollMaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(2, float64(attempt-1))) * s.backoffBase
			if err := s.sleep(ctx, wait); err != nil {
				return assistant.Run{}, err
			}
			if refresher, ok := s.svc.(assistant.CredentialRefresher); ok {
				if err := refresher.RefreshCredentials(ctx); err != nil {
					log.Printf("scheduler: refresh credentials: %v", err)
				}
			}
		}
		run, err := s.svc.GetRun(ctx, threadRef, runID)
		if err == nil {
			return run, nil
		}
		lastErr = err
		log.Printf("scheduler: poll run %s attempt %d/%d: %v", runID, attempt+1, s.pollMaxRetries+1, err)
	}
	return assistant.Run{}, fmt.Errorf("scheduler: poll run %s: %w", runID, lastErr)
}

// replyFor returns the newest assistant message produced by the given
// run. Messages from other runs on the thread are ignored so a reply is
// never attributed to the wrong prompt.
func (s *Scheduler) replyFor(ctx context.Context, threadRef, runID string) (string, error) {
	messages, err := s.svc.ListMessages(ctx, threadRef)
	if err != nil {
		return "", fmt.Errorf("scheduler: list messages: %w", err)
	}
	var best *assistant.ThreadMessage
	for i := range messages {
		m := &messages[i]
		if m.Role != "assistant" || m.RunID != runID {
			continue
		}
		if best == nil || m.CreatedAt.After(best.CreatedAt) {
			best = m
		}
	}
	if best == nil || best.Text == "" {
		log.Printf("scheduler: run %s completed with no reply text", runID)
		return FallbackReply, nil
	}
	return best.Text, nil
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
