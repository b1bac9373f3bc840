// Package voiceclient talks to the voicegen HTTP API and keeps an
// accountcache.Hub in sync with it.
package voiceclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/digkill/voicegen/pkg/accountcache"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status     int
	Kind       string
	Message    string
	TaskID     string
	RetryAfter int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voicegen: %d %s: %s", e.Status, e.Kind, e.Message)
}

// Retryable reports whether repeating the same call later may succeed.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case "RateLimited", "GenerationTimedOut", "ProviderUnavailable", "Overloaded", "LedgerUnavailable", "StoreUnavailable":
		return true
	}
	return false
}

type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarityBoost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed"`
	UseSpeakerBoost bool    `json:"useSpeakerBoost"`
}

type GenerateRequest struct {
	Text     string         `json:"text"`
	VoiceID  string         `json:"voiceId"`
	Settings *VoiceSettings `json:"settings,omitempty"`
}

type Usage struct {
	Characters       int   `json:"characters"`
	CreditsUsed      int64 `json:"creditsUsed"`
	CreditsRemaining int64 `json:"creditsRemaining"`
}

type GenerateResult struct {
	Success  bool   `json:"success"`
	AudioURL string `json:"audioUrl"`
	TaskID   string `json:"taskId"`
	Usage    Usage  `json:"usage"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

func WithLogger(l *slog.Logger) Option { return func(cl *Client) { cl.log = l } }

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Generation blocks server side for the whole poll budget.
		http: &http.Client{Timeout: 3 * time.Minute},
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	var out GenerateResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateAndApply generates audio and, on success, patches hub with the
// balance the server reported so views update before the push arrives.
func (c *Client) GenerateAndApply(ctx context.Context, hub *accountcache.Hub, req GenerateRequest) (*GenerateResult, error) {
	res, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	remaining, used := res.Usage.CreditsRemaining, res.Usage.CreditsUsed
	if err := hub.OnCreditsChanged(ctx, accountcache.CreditsEvent{Remaining: &remaining, CreditsUsed: &used}); err != nil {
		c.log.Warn("refresh account after generation", "error", err)
	}
	return res, nil
}

// FetchAccount makes Client usable as an accountcache.Fetcher.
func (c *Client) FetchAccount(ctx context.Context) (*accountcache.Snapshot, error) {
	var out accountcache.Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/v1/account", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		ErrorKind  string `json:"errorKind"`
		Error      string `json:"error"`
		TaskID     string `json:"taskId"`
		RetryAfter int    `json:"retryAfter"`
	}
	apiErr := &APIError{Status: resp.StatusCode, Kind: "Internal", Message: strings.TrimSpace(string(raw))}
	if json.Unmarshal(raw, &parsed) == nil && parsed.ErrorKind != "" {
		apiErr.Kind = parsed.ErrorKind
		apiErr.Message = parsed.Error
		apiErr.TaskID = parsed.TaskID
		apiErr.RetryAfter = parsed.RetryAfter
	}
	if apiErr.RetryAfter == 0 {
		if v, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = v
		}
	}
	return apiErr
}

// StreamAccountEvents follows the server's account change stream and feeds
// every row into hub.Reconcile. It returns when ctx ends or the stream
// breaks; callers reconnect.
func (c *Client) StreamAccountEvents(ctx context.Context, hub *accountcache.Hub) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account/events", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	// The shared client's timeout would cut the stream.
	streamClient := *c.http
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open account stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 && (event == "" || event == "account") {
				c.applyEvent(hub, data.String())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return fmt.Errorf("read account stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) applyEvent(hub *accountcache.Hub, data string) {
	var row accountcache.Profile
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		c.log.Warn("bad account event", "error", err)
		return
	}
	if !hub.Reconcile(row) {
		c.log.Debug("account event not applied", "version", row.Version)
	}
}
