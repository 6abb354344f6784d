package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// WhisperClient calls a Whisper-style transcription endpoint. The audio is
// referenced by its stored handle; the service fetches the blob itself, so
// requests stay small.
type WhisperClient struct {
	endpoint string
	apiKey   string
	model    string
	language string
	client   *http.Client
}

// WhisperOption configures the client.
type WhisperOption func(*WhisperClient)

// WithModel selects the transcription model.
func WithModel(model string) WhisperOption {
	return func(c *WhisperClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithLanguage sets the expected speech language hint.
func WithLanguage(lang string) WhisperOption {
	return func(c *WhisperClient) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithRequestTimeout bounds each transcription attempt.
func WithRequestTimeout(d time.Duration) WhisperOption {
	return func(c *WhisperClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) WhisperOption {
	return func(c *WhisperClient) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewWhisperClient constructs a client for the given endpoint.
func NewWhisperClient(endpoint, apiKey string, opts ...WhisperOption) (*WhisperClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("speech: endpoint is required")
	}
	c := &WhisperClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    "whisper-1",
		language: "fa",
		client:   &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ Transcriber = (*WhisperClient)(nil)

type transcribeRequest struct {
	AudioHandle string `json:"audio_handle"`
	Model       string `json:"model"`
	Language    string `json:"language,omitempty"`
}

type transcribeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	DurationMS int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Transcribe runs one transcription attempt against the remote service.
func (c *WhisperClient) Transcribe(ctx context.Context, audioHandle string) (Transcription, error) {
	if strings.TrimSpace(audioHandle) == "" {
		return Transcription{}, &PermanentError{Reason: "empty audio handle"}
	}

	body, err := json.Marshal(transcribeRequest{
		AudioHandle: audioHandle,
		Model:       c.model,
		Language:    c.language,
	})
	if err != nil {
		return Transcription{}, &PermanentError{Reason: "encode request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/transcribe", bytes.NewReader(body))
	if err != nil {
		return Transcription{}, &PermanentError{Reason: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts, DNS failures, refused connections.
		return Transcription{}, &TransientError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Transcription{}, &TransientError{Reason: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return Transcription{}, classifyStatus(resp.StatusCode, raw)
	}

	var decoded transcribeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Transcription{}, &TransientError{Reason: "decode response", Err: err}
	}
	if decoded.Error != "" {
		return Transcription{}, &PermanentError{Reason: decoded.Error}
	}
	if strings.TrimSpace(decoded.Text) == "" {
		return Transcription{}, &PermanentError{Reason: "empty transcription"}
	}
	return Transcription{
		Text:       decoded.Text,
		Confidence: decoded.Confidence,
		Duration:   time.Duration(decoded.DurationMS) * time.Millisecond,
	}, nil
}

func classifyStatus(status int, raw []byte) error {
	reason := strings.TrimSpace(string(raw))
	if reason == "" {
		reason = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return &PermanentError{Reason: fmt.Sprintf("status %d: %s", status, reason)}
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return &TransientError{Reason: fmt.Sprintf("status %d: %s", status, reason)}
	}
	if status >= 500 {
		return &TransientError{Reason: fmt.Sprintf("status %d: %s", status, reason)}
	}
	// 401/403 from the speech service are configuration problems; retrying
	// will not help.
	return &PermanentError{Reason: fmt.Sprintf("status %d: %s", status, reason)}
}
