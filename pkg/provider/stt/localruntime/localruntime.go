// Package localruntime implements stt.Provider against the OpenAI-compatible
// local inference runtime (POST /v1/audio/transcriptions). The runtime runs
// on the same machine as the engine and needs no real API key; a placeholder
// key is sent because the SDK requires one.
package localruntime

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/parleylabs/parley/pkg/audio"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/provider/stt"
)

const (
	defaultModel   = "whisper-1"
	defaultTimeout = 60 * time.Second

	// The local runtime ignores authentication but the SDK insists on a key.
	placeholderKey = "local"
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider by calling the local runtime's
// OpenAI-compatible transcription endpoint.
type Provider struct {
	client oai.Client
	model  string
}

// Option is a functional option for configuring a Provider.
type Option func(*config)

type config struct {
	model   string
	timeout time.Duration
	apiKey  string
}

// WithModel overrides the transcription model name sent to the runtime.
// Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithAPIKey overrides the placeholder API key, for runtimes that do
// enforce authentication.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// New constructs a Provider targeting the runtime at baseURL, e.g.
// "http://127.0.0.1:8756/v1".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("localruntime: baseURL must not be empty")
	}

	cfg := &config{
		model:   defaultModel,
		timeout: defaultTimeout,
		apiKey:  placeholderKey,
	}
	for _, o := range opts {
		o(cfg)
	}

	client := oai.NewClient(
		option.WithAPIKey(cfg.apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	)
	return &Provider{client: client, model: cfg.model}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "local-runtime" }

// Transcribe implements stt.Provider. Engine-native clip encodings are
// re-wrapped as WAV before upload; anything else is forwarded as-is and
// left for the runtime to decode.
func (p *Provider) Transcribe(ctx context.Context, clip capture.Clip) (stt.Result, error) {
	if clip.Empty() {
		return stt.Result{}, stt.ErrEmptyClip
	}

	blob, filename, mime, err := uploadBody(clip)
	if err != nil {
		return stt.Result{}, fmt.Errorf("localruntime: prepare clip: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(blob), filename, mime),
		Model: oai.AudioModel(p.model),
	})
	if err != nil {
		return stt.Result{}, fmt.Errorf("localruntime: transcription request: %w", err)
	}

	return stt.Result{
		Text:       strings.TrimSpace(resp.Text),
		Provider:   p.Name(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// uploadBody converts engine-native clip encodings to WAV and picks a
// filename the runtime can infer the container from.
func uploadBody(clip capture.Clip) ([]byte, string, string, error) {
	switch clip.MimeType {
	case audio.MimeFramedOpus, audio.MimePCM16, "":
		pcm, err := audio.DecodeClip(clip.Blob, clip.MimeType)
		if err != nil {
			return nil, "", "", err
		}
		return audio.EncodeWAV(pcm, audio.STTFormat), "clip.wav", "audio/wav", nil
	case "audio/wav", "audio/x-wav":
		return clip.Blob, "clip.wav", "audio/wav", nil
	case "audio/webm":
		return clip.Blob, "clip.webm", "audio/webm", nil
	case "audio/ogg":
		return clip.Blob, "clip.ogg", "audio/ogg", nil
	case "audio/mpeg":
		return clip.Blob, "clip.mp3", "audio/mpeg", nil
	default:
		return nil, "", "", fmt.Errorf("unsupported clip mime type %q", clip.MimeType)
	}
}
