// Package localruntime implements tts.Provider against the OpenAI-compatible
// local inference runtime (POST /v1/audio/speech). The runtime runs on the
// same machine as the engine and needs no real API key; a placeholder key is
// sent because the SDK requires one.
package localruntime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/parleylabs/parley/pkg/provider/tts"
)

const (
	defaultModel   = "tts-1"
	defaultVoice   = "alloy"
	defaultTimeout = 60 * time.Second

	// The local runtime ignores authentication but the SDK insists on a key.
	placeholderKey = "local"
)

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider by calling the local runtime's
// OpenAI-compatible speech endpoint. Clips come back as WAV so the audio
// bank can hand them straight to the playback surface.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

// Option is a functional option for configuring a Provider.
type Option func(*config)

type config struct {
	model   string
	voice   string
	timeout time.Duration
	apiKey  string
}

// WithModel overrides the speech model name sent to the runtime.
// Defaults to "tts-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithDefaultVoice sets the voice used when a request leaves Voice empty.
// Defaults to "alloy".
func WithDefaultVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
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
		voice:   defaultVoice,
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
	return &Provider{client: client, model: cfg.model, voice: cfg.voice}, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return "local-runtime" }

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Clip, error) {
	if req.Text == "" {
		return tts.Clip{}, fmt.Errorf("localruntime: text must not be empty")
	}

	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if req.Speed > 0 {
		params.Speed = param.NewOpt(req.Speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("localruntime: speech request: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("localruntime: read speech body: %w", err)
	}
	if len(audio) == 0 {
		return tts.Clip{}, fmt.Errorf("localruntime: empty speech response")
	}

	return tts.Clip{Audio: audio, MimeType: "audio/wav"}, nil
}
