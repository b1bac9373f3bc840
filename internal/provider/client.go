package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/digkill/voicegen/internal/models"
)

var (
	ErrRejected    = errors.New("provider rejected request")
	ErrUnavailable = errors.New("provider unavailable")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type PollResult struct {
	Status       Status
	ResultURL    string
	ErrorMessage string
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client wraps the createTask / recordInfo job API. It never retries; the
// orchestrator owns the retry and latency budget.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "elevenlabs/text-to-speech-multilingual-v2"
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Submit creates a generation task and returns the provider-assigned job id.
func (c *Client) Submit(ctx context.Context, text, voiceID string, settings models.VoiceSettings) (string, error) {
	payload := map[string]any{
		"model": c.model,
		"input": map[string]any{
			"text":              text,
			"voice":             voiceID,
			"stability":         settings.Stability,
			"similarity_boost":  settings.SimilarityBoost,
			"style":             settings.Style,
			"speed":             settings.Speed,
			"use_speaker_boost": settings.UseSpeakerBoost,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := c.do(req, &data); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("%w: empty taskId in response", ErrUnavailable)
	}

	if c.log != nil {
		c.log.Info("provider task created", "task_id", data.TaskID, "model", c.model, "voice_id", voiceID, "chars", len([]rune(text)))
	}
	return data.TaskID, nil
}

// Poll fetches the current state of a task once.
func (c *Client) Poll(ctx context.Context, jobID string) (PollResult, error) {
	params := url.Values{}
	params.Set("taskId", jobID)
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", params)
	if err != nil {
		return PollResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("new request: %w", err)
	}

	var data struct {
		TaskID     string `json:"taskId"`
		State      string `json:"state"`
		ResultJSON string `json:"resultJson"`
		FailCode   string `json:"failCode"`
		FailMsg    string `json:"failMsg"`
	}
	if err := c.do(req, &data); err != nil {
		return PollResult{}, fmt.Errorf("get task status: %w", err)
	}

	switch data.State {
	case "success":
		if data.ResultJSON == "" {
			return PollResult{}, fmt.Errorf("%w: empty resultJson in success response", ErrUnavailable)
		}
		var result struct {
			ResultURLs []string `json:"resultUrls"`
		}
		if err := json.Unmarshal([]byte(data.ResultJSON), &result); err != nil {
			return PollResult{}, fmt.Errorf("%w: parse resultJson: %v", ErrUnavailable, err)
		}
		if len(result.ResultURLs) == 0 {
			return PollResult{}, fmt.Errorf("%w: no resultUrls in result", ErrUnavailable)
		}
		return PollResult{Status: StatusCompleted, ResultURL: result.ResultURLs[0]}, nil
	case "fail":
		msg := data.FailMsg
		if msg == "" {
			msg = "unknown error"
		}
		if data.FailCode != "" {
			msg = fmt.Sprintf("%s (code: %s)", msg, data.FailCode)
		}
		return PollResult{Status: StatusFailed, ErrorMessage: msg}, nil
	case "waiting", "generating", "processing", "queued", "queueing":
		return PollResult{Status: StatusPending}, nil
	default:
		return PollResult{}, fmt.Errorf("%w: unknown task state %q", ErrUnavailable, data.State)
	}
}

func (c *Client) endpoint(path string, params url.Values) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if params != nil {
		ref.RawQuery = params.Encode()
	}
	return base.ResolveReference(ref).String(), nil
}

// do executes req, maps transport and status failures onto ErrRejected and
// ErrUnavailable, and decodes the envelope's data into out.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("provider request failed", "status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(rawBody))
		}
		return fmt.Errorf("%w: status=%d body=%s", statusError(resp.StatusCode), resp.StatusCode, truncateBody(rawBody))
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return fmt.Errorf("%w: decode response: %v (body=%s)", ErrUnavailable, err, truncateBody(rawBody))
	}
	// The provider also reports failures inside a 200 envelope.
	if env.Code != 200 {
		return fmt.Errorf("%w: code=%d msg=%s", statusError(env.Code), env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func statusError(code int) error {
	if code >= 400 && code < 500 {
		return ErrRejected
	}
	return ErrUnavailable
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
