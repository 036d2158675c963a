// Package gateway provides the REST client for the hosted practice gateway.
//
// In gateway AI mode the engine does no inference of its own: round start,
// transcription, and scoring all go through the gateway. Turn submission is a
// two-call protocol: the first call uploads the recorded clip with scoring
// skipped and returns the transcript; the second call carries the transcript
// and timing metadata and returns the evaluation. Both calls answer with the
// loosely-shaped payload that [submission.Normalize] canonicalises.
//
// All requests run through a shared circuit breaker so a struggling gateway
// fails fast instead of stacking up blocked turns.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/parleylabs/parley/internal/resilience"
	"github.com/parleylabs/parley/internal/submission"
	"github.com/parleylabs/parley/pkg/audio"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/tts"
)

const (
	defaultTimeout = 45 * time.Second

	startRoundEndpoint = "/v1/rounds/start"
	submitTurnEndpoint = "/v1/turns"
	clipEndpointFmt    = "/v1/tasks/%s/examples/%s/audio"
	healthEndpoint     = "/healthz"
)

// maxClipBytes bounds a downloaded patient clip.
const maxClipBytes = 32 << 20

// Client talks to the practice gateway. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*config)

type config struct {
	httpClient *http.Client
	timeout    time.Duration
	breakerCfg resilience.CircuitBreakerConfig
	log        *slog.Logger
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
// Ignored when WithHTTPClient is also given. Defaults to 45 s; clips can be
// several megabytes on slow uplinks.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.timeout = d }
}

// WithCircuitBreaker overrides the breaker tuning.
func WithCircuitBreaker(bc resilience.CircuitBreakerConfig) Option {
	return func(cfg *config) { cfg.breakerCfg = bc }
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(cfg *config) { cfg.log = log }
}

// New constructs a Client for the gateway at baseURL, authenticating every
// request with the given session token.
func New(baseURL, sessionToken string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: baseURL must not be empty")
	}
	if sessionToken == "" {
		return nil, fmt.Errorf("gateway: sessionToken must not be empty")
	}

	cfg := &config{
		timeout:    defaultTimeout,
		breakerCfg: resilience.CircuitBreakerConfig{Name: "gateway"},
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.timeout}
	}

	return &Client{
		baseURL: baseURL,
		token:   sessionToken,
		http:    httpClient,
		breaker: resilience.NewCircuitBreaker(cfg.breakerCfg),
		log:     cfg.log,
	}, nil
}

// StartRoundRequest identifies the round the learner is about to play.
type StartRoundRequest struct {
	SessionID string `json:"session_id"`
	RoundID   string `json:"round_id"`
	TaskID    string `json:"task_id"`
	ExampleID string `json:"example_id"`
	Mode      string `json:"mode"`
}

// StartRoundResponse is the gateway's acknowledgement of a round start.
type StartRoundResponse struct {
	RoundID string `json:"round_id"`

	// Statement may restate the patient utterance server-side; empty when
	// the gateway trusts the client's task catalogue.
	Statement string `json:"statement,omitempty"`

	// AlreadyStarted reports that the gateway had seen this round before.
	// Resuming a round is normal, not an error.
	AlreadyStarted bool `json:"already_started,omitempty"`
}

// StartRound announces a round to the gateway. Calling it again for the same
// round is safe; the gateway answers with AlreadyStarted instead of failing,
// and an HTTP 409 is mapped to the same.
func (c *Client) StartRound(ctx context.Context, req StartRoundRequest) (*StartRoundResponse, error) {
	if req.SessionID == "" || req.RoundID == "" {
		return nil, fmt.Errorf("gateway: start round: session and round IDs are required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal start round request: %w", err)
	}

	var out StartRoundResponse
	err = c.breaker.Execute(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+startRoundEndpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("gateway: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("gateway: start round request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusConflict {
			out = StartRoundResponse{RoundID: req.RoundID, AlreadyStarted: true}
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return httpError("start round", resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("gateway: decode start round response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug("round started at gateway",
		"round_id", req.RoundID, "already_started", out.AlreadyStarted)
	return &out, nil
}

// SubmitTurnRequest carries one turn submission. Exactly one of Clip or
// Transcript drives the call: a clip with SkipScoring set asks for
// transcription only, a transcript asks for scoring.
type SubmitTurnRequest struct {
	SessionID     string
	RoundID       string
	ParticipantID string
	TaskID        string
	ExampleID     string

	// AttemptID ties a scoring call back to the transcription call that
	// produced the transcript. Empty on first-call submissions; the
	// gateway assigns one.
	AttemptID string

	// Clip is the recorded audio, present on transcription calls.
	Clip *capture.Clip

	// Transcript is the text to score, present on scoring calls.
	Transcript string

	// SkipScoring asks the gateway to stop after transcription.
	SkipScoring bool

	// Timing metadata, forwarded so the gateway can compute an adjusted
	// score server-side. Nil pointers mean unknown.
	ResponseDelayMs    *int64
	ResponseDurationMs *int64
	TimingPenalty      *float64
}

// SubmitTurn uploads one turn submission and returns the gateway's payload
// in wire form; callers run it through [submission.Normalize].
func (c *Client) SubmitTurn(ctx context.Context, req SubmitTurnRequest) (*submission.Payload, error) {
	if req.SessionID == "" || req.RoundID == "" || req.ParticipantID == "" {
		return nil, fmt.Errorf("gateway: submit turn: session, round, and participant IDs are required")
	}
	if (req.Clip == nil || req.Clip.Empty()) && req.Transcript == "" {
		return nil, fmt.Errorf("gateway: submit turn: a clip or a transcript is required")
	}

	body, contentType, err := encodeSubmitTurn(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode submit turn: %w", err)
	}

	var payload submission.Payload
	err = c.breaker.Execute(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitTurnEndpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("gateway: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", contentType)
		httpReq.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("gateway: submit turn request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return httpError("submit turn", resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("gateway: decode submit turn response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug("turn submitted to gateway",
		"round_id", req.RoundID,
		"participant_id", req.ParticipantID,
		"skip_scoring", req.SkipScoring)
	return &payload, nil
}

// FetchPatientClip downloads the pre-rendered patient audio for one example.
// Gateway mode feeds this to the audio bank as its fetcher so patient voices
// match the hosted product instead of being synthesised locally.
func (c *Client) FetchPatientClip(ctx context.Context, taskID, exampleID string) (tts.Clip, error) {
	if taskID == "" || exampleID == "" {
		return tts.Clip{}, fmt.Errorf("gateway: fetch clip: task and example IDs are required")
	}

	var clip tts.Clip
	err := c.breaker.Execute(func() error {
		url := c.baseURL + fmt.Sprintf(clipEndpointFmt, taskID, exampleID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("gateway: create request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("gateway: fetch clip request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return httpError("fetch clip", resp)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
		if err != nil {
			return fmt.Errorf("gateway: read clip body: %w", err)
		}
		if len(body) == 0 {
			return fmt.Errorf("gateway: fetch clip: empty response body")
		}

		mimeType := resp.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "audio/wav"
		}
		clip = tts.Clip{Audio: body, MimeType: mimeType}
		return nil
	})
	if err != nil {
		return tts.Clip{}, err
	}

	c.log.Debug("patient clip fetched",
		"task_id", taskID, "example_id", exampleID, "bytes", len(clip.Audio))
	return clip, nil
}

// Ping reports whether the gateway answers its health endpoint. Used by the
// readiness checker; not routed through the circuit breaker so that probes
// keep working while the breaker is open.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("gateway: create request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway: health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway: health endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// encodeSubmitTurn builds the multipart form body for a turn submission.
func encodeSubmitTurn(req SubmitTurnRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"session_id":     req.SessionID,
		"round_id":       req.RoundID,
		"participant_id": req.ParticipantID,
		"task_id":        req.TaskID,
		"example_id":     req.ExampleID,
		"attempt_id":     req.AttemptID,
		"transcript":     req.Transcript,
		"skip_scoring":   strconv.FormatBool(req.SkipScoring),
	}
	if req.ResponseDelayMs != nil {
		fields["response_delay_ms"] = strconv.FormatInt(*req.ResponseDelayMs, 10)
	}
	if req.ResponseDurationMs != nil {
		fields["response_duration_ms"] = strconv.FormatInt(*req.ResponseDurationMs, 10)
	}
	if req.TimingPenalty != nil {
		fields["timing_penalty"] = strconv.FormatFloat(*req.TimingPenalty, 'f', -1, 64)
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", name, err)
		}
	}

	if req.Clip != nil && !req.Clip.Empty() {
		fw, err := mw.CreateFormFile("audio", clipFilename(req.Clip.MimeType))
		if err != nil {
			return nil, "", fmt.Errorf("create audio part: %w", err)
		}
		if _, err := fw.Write(req.Clip.Blob); err != nil {
			return nil, "", fmt.Errorf("write audio part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// clipFilename picks an upload filename whose extension the gateway can key
// its decoder on.
func clipFilename(mimeType string) string {
	switch mimeType {
	case audio.MimeFramedOpus:
		return "clip.opus"
	case audio.MimePCM16:
		return "clip.pcm"
	case "audio/webm":
		return "clip.webm"
	case "audio/ogg":
		return "clip.ogg"
	case "audio/mpeg":
		return "clip.mp3"
	default:
		return "clip.wav"
	}
}

// httpError reads a bounded error body and wraps it with the status code.
func httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(body) > 0 {
		return fmt.Errorf("gateway: %s: server returned HTTP %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))
	}
	return fmt.Errorf("gateway: %s: server returned HTTP %d", op, resp.StatusCode)
}
