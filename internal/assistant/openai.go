package assistant

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIOpts holds parameters for creating an OpenAI-backed Service.
type OpenAIOpts struct {
	APIKey       string
	AssistantID  string
	Model        string // optional; the assistant's default model is used when empty
	Instructions string // optional per-run instructions
}

// OpenAIService implements Service against the OpenAI Assistants API.
// The client is shared across thread goroutines, so reads and the rebuild
// in RefreshCredentials go through a mutex.
type OpenAIService struct {
	opts OpenAIOpts

	mu     sync.RWMutex
	client openai.Client
}

// api returns the current client under the read lock.
func (s *OpenAIService) api() openai.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// NewOpenAIService creates an OpenAI-backed Service.
func NewOpenAIService(opts OpenAIOpts) (*OpenAIService, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("assistant: api key is required")
	}
	if opts.AssistantID == "" {
		return nil, fmt.Errorf("assistant: assistant id is required")
	}
	return &OpenAIService{
		client: openai.NewClient(option.WithAPIKey(opts.APIKey)),
		opts:   opts,
	}, nil
}

// CreateThread creates an assistant thread carrying the given metadata.
func (s *OpenAIService) CreateThread(ctx context.Context, metadata map[string]string) (string, error) {
	params := openai.BetaThreadNewParams{}
	if len(metadata) > 0 {
		params.Metadata = shared.Metadata(metadata)
	}
	client := s.api()
	thread, err := client.Beta.Threads.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("assistant: create thread: %w", err)
	}
	return thread.ID, nil
}

// PostMessage appends a user message to the thread.
func (s *OpenAIService) PostMessage(ctx context.Context, threadRef, content string) error {
	client := s.api()
	_, err := client.Beta.Threads.Messages.New(ctx, threadRef, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(content),
		},
	})
	if err != nil {
		return fmt.Errorf("assistant: post message: %w", err)
	}
	return nil
}

// CreateRun starts a run on the thread using the configured assistant.
func (s *OpenAIService) CreateRun(ctx context.Context, threadRef string) (Run, error) {
	params := openai.BetaThreadRunNewParams{
		AssistantID: s.opts.AssistantID,
	}
	if s.opts.Model != "" {
		params.Model = shared.ChatModel(s.opts.Model)
	}
	if s.opts.Instructions != "" {
		params.Instructions = openai.String(s.opts.Instructions)
	}
	client := s.api()
	run, err := client.Beta.Threads.Runs.New(ctx, threadRef, params)
	if err != nil {
		return Run{}, fmt.Errorf("assistant: create run: %w", err)
	}
	return convertRun(run), nil
}

// GetRun fetches the current state of a run.
func (s *OpenAIService) GetRun(ctx context.Context, threadRef, runID string) (Run, error) {
	client := s.api()
	run, err := client.Beta.Threads.Runs.Get(ctx, threadRef, runID)
	if err != nil {
		return Run{}, fmt.Errorf("assistant: get run %s: %w", runID, err)
	}
	return convertRun(run), nil
}

// ListRuns returns recent runs on the thread, newest first.
func (s *OpenAIService) ListRuns(ctx context.Context, threadRef string) ([]Run, error) {
	client := s.api()
	page, err := client.Beta.Threads.Runs.List(ctx, threadRef, openai.BetaThreadRunListParams{})
	if err != nil {
		return nil, fmt.Errorf("assistant: list runs: %w", err)
	}
	runs := make([]Run, 0, len(page.Data))
	for i := range page.Data {
		runs = append(runs, convertRun(&page.Data[i]))
	}
	return runs, nil
}

// SubmitToolOutputs hands tool results back to a parked run. An empty
// outputs slice submits an explicit empty batch.
func (s *OpenAIService) SubmitToolOutputs(ctx context.Context, threadRef, runID string, outputs []ToolOutput) error {
	converted := make([]openai.BetaThreadRunSubmitToolOutputsParamsToolOutput, 0, len(outputs))
	for _, out := range outputs {
		converted = append(converted, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(out.CallID),
			Output:     openai.String(out.Output),
		})
	}
	client := s.api()
	_, err := client.Beta.Threads.Runs.SubmitToolOutputs(ctx, threadRef, runID, openai.BetaThreadRunSubmitToolOutputsParams{
		ToolOutputs: converted,
	})
	if err != nil {
		return fmt.Errorf("assistant: submit tool outputs for run %s: %w", runID, err)
	}
	return nil
}

// CancelRun requests cancellation. A cancel of an already-terminal run is
// reported as an error by the API; it is swallowed here so callers can
// treat cancel as idempotent.
func (s *OpenAIService) CancelRun(ctx context.Context, threadRef, runID string) error {
	client := s.api()
	_, err := client.Beta.Threads.Runs.Cancel(ctx, threadRef, runID)
	if err != nil {
		run, getErr := client.Beta.Threads.Runs.Get(ctx, threadRef, runID)
		if getErr == nil && Status(run.Status).Terminal() {
			return nil
		}
		return fmt.Errorf("assistant: cancel run %s: %w", runID, err)
	}
	return nil
}

// ListMessages returns the thread's messages, newest first.
func (s *OpenAIService) ListMessages(ctx context.Context, threadRef string) ([]ThreadMessage, error) {
	client := s.api()
	page, err := client.Beta.Threads.Messages.List(ctx, threadRef, openai.BetaThreadMessageListParams{})
	if err != nil {
		return nil, fmt.Errorf("assistant: list messages: %w", err)
	}
	msgs := make([]ThreadMessage, 0, len(page.Data))
	for _, m := range page.Data {
		msgs = append(msgs, ThreadMessage{
			ID:        m.ID,
			RunID:     m.RunID,
			Role:      string(m.Role),
			Text:      messageText(&m),
			CreatedAt: time.Unix(m.CreatedAt, 0),
		})
	}
	return msgs, nil
}

// RefreshCredentials rebuilds the underlying client. The API key itself is
// static, so this only resets connection state after an auth hiccup.
func (s *OpenAIService) RefreshCredentials(ctx context.Context) error {
	s.mu.Lock()
	s.client = openai.NewClient(option.WithAPIKey(s.opts.APIKey))
	s.mu.Unlock()
	return nil
}

// convertRun maps an SDK run to the local Run snapshot.
func convertRun(run *openai.Run) Run {
	r := Run{
		ID:     run.ID,
		Status: Status(run.Status),
	}
	for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
		r.PendingToolCalls = append(r.PendingToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return r
}

// messageText concatenates the text blocks of a message.
func messageText(m *openai.Message) string {
	var buf bytes.Buffer
	for _, c := range m.Content {
		if c.Type != "text" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(c.Text.Value)
	}
	return buf.String()
}

// WhisperTranscriber implements Transcriber using the OpenAI audio API.
type WhisperTranscriber struct {
	client openai.Client
}

// NewWhisperTranscriber creates a Whisper-backed Transcriber.
func NewWhisperTranscriber(apiKey string) (*WhisperTranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("assistant: api key is required")
	}
	return &WhisperTranscriber{client: openai.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Transcribe sends the audio payload to Whisper and returns the text.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, mimeType string, data []byte) (string, error) {
	name := uuid.NewString() + extensionFor(mimeType)
	resp, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  openai.File(bytes.NewReader(data), name, mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("assistant: transcribe: %w", err)
	}
	return resp.Text, nil
}

// extensionFor picks a filename extension for common audio MIME types.
func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	}
	return ".ogg"
}
