// Package audiobank caches synthesised patient audio per (task, example)
// pair and mediates playback on a surface. The turn engine never talks to
// TTS directly: it asks the bank to EnsureReady before a round and to Play
// when the intro finishes, and the bank guarantees each statement is
// synthesised at most once no matter how many callers race on it.
//
// Entries move through a small status machine:
//
//	idle → generating (local synthesis) or downloading (fetched clip)
//	     → ready ⇄ playing
//	     → blocked (surface refused to start without a user gesture)
//	     → error (synthesis or fetch failed; retried on the next EnsureReady)
package audiobank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parleylabs/parley/pkg/provider/tts"
)

// Status is the lifecycle state of one bank entry.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusGenerating  Status = "generating"
	StatusDownloading Status = "downloading"
	StatusReady       Status = "ready"
	StatusPlaying     Status = "playing"
	StatusBlocked     Status = "blocked"
	StatusError       Status = "error"
)

// ErrAutoplayBlocked is returned by a PlaybackSurface that refuses to start
// audio without a preceding user gesture. The bank marks the entry blocked;
// the caller surfaces a "tap to play" affordance and retries Play from the
// gesture handler.
var ErrAutoplayBlocked = errors.New("audiobank: playback blocked pending user gesture")

// PlaybackSurface is the output device for patient audio. The production
// implementation remotes to the browser over the session websocket; tests
// use a scripted mock.
//
// Implementations must invoke onEnded exactly once when playback finishes
// naturally, and never after Stop.
type PlaybackSurface interface {
	Play(ctx context.Context, clip tts.Clip, onEnded func()) error
	Stop()
}

// Fetcher retrieves a pre-rendered patient clip, bypassing local synthesis.
// Gateway mode uses this so patient voices match the hosted product.
type Fetcher func(ctx context.Context, taskID, exampleID string) (tts.Clip, error)

// EntryInfo is the externally visible state of one bank entry.
type EntryInfo struct {
	Status Status

	// Err carries the failure text when Status is StatusError.
	Err string
}

type entryKey struct {
	taskID    string
	exampleID string
}

type entry struct {
	status  Status
	errText string
	clip    tts.Clip

	// settled is closed when an in-flight generation reaches ready or
	// error, releasing every EnsureReady call waiting on the same entry.
	settled chan struct{}
}

// Bank is the patient audio cache. Safe for concurrent use.
type Bank struct {
	synth   tts.Provider
	fetch   Fetcher
	log     *slog.Logger
	warmers int

	mu      sync.Mutex
	entries map[entryKey]*entry
}

// Option is a functional option for configuring a Bank.
type Option func(*Bank)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Bank) { b.log = log }
}

// WithFetcher installs a remote clip fetcher tried before local synthesis.
func WithFetcher(f Fetcher) Option {
	return func(b *Bank) { b.fetch = f }
}

// WithWarmupConcurrency bounds how many entries WarmupBatch prepares in
// parallel. Defaults to 3; local TTS saturates quickly.
func WithWarmupConcurrency(n int) Option {
	return func(b *Bank) { b.warmers = n }
}

// New constructs a Bank that synthesises through the given TTS provider. A
// nil provider is allowed when [WithFetcher] supplies remote clips; the bank
// then has no local fallback and a fetch failure fails the entry.
func New(synth tts.Provider, opts ...Option) (*Bank, error) {
	b := &Bank{
		synth:   synth,
		log:     slog.Default(),
		warmers: 3,
		entries: make(map[entryKey]*entry),
	}
	for _, o := range opts {
		o(b)
	}
	if b.synth == nil && b.fetch == nil {
		return nil, fmt.Errorf("audiobank: a tts provider or a fetcher is required")
	}
	return b, nil
}

// Statement describes one patient utterance to prepare.
type Statement struct {
	ExampleID string
	Text      string

	// Voice selects the synthesis voice; empty uses the provider default.
	Voice string
}

// EnsureReady returns once playable audio for the statement is cached.
// Concurrent calls for the same (taskID, exampleID) share one generation;
// a previous failure is retried rather than cached forever.
func (b *Bank) EnsureReady(ctx context.Context, taskID string, st Statement) error {
	if taskID == "" || st.ExampleID == "" {
		return fmt.Errorf("audiobank: task and example IDs are required")
	}

	key := entryKey{taskID: taskID, exampleID: st.ExampleID}

	b.mu.Lock()
	e, ok := b.entries[key]
	switch {
	case ok && (e.status == StatusReady || e.status == StatusPlaying || e.status == StatusBlocked):
		b.mu.Unlock()
		return nil
	case ok && (e.status == StatusGenerating || e.status == StatusDownloading):
		settled := e.settled
		b.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		return b.EnsureReady(ctx, taskID, st)
	}

	// Idle, error, or absent: this caller owns the generation.
	e = &entry{settled: make(chan struct{})}
	if b.fetch != nil {
		e.status = StatusDownloading
	} else {
		e.status = StatusGenerating
	}
	b.entries[key] = e
	b.mu.Unlock()

	clip, err := b.produce(ctx, taskID, st)

	b.mu.Lock()
	if err != nil {
		e.status = StatusError
		e.errText = err.Error()
	} else {
		e.status = StatusReady
		e.clip = clip
	}
	close(e.settled)
	b.mu.Unlock()

	if err != nil {
		b.log.Warn("patient audio preparation failed",
			"task_id", taskID, "example_id", st.ExampleID, "error", err)
		return fmt.Errorf("audiobank: prepare %s/%s: %w", taskID, st.ExampleID, err)
	}
	return nil
}

// produce obtains the clip, preferring the remote fetcher when configured.
// A fetch failure falls back to local synthesis so gateway hiccups do not
// block practice.
func (b *Bank) produce(ctx context.Context, taskID string, st Statement) (tts.Clip, error) {
	if b.fetch != nil {
		clip, err := b.fetch(ctx, taskID, st.ExampleID)
		if err == nil {
			return clip, nil
		}
		if b.synth == nil {
			return tts.Clip{}, fmt.Errorf("fetch clip: %w", err)
		}
		b.log.Warn("remote clip fetch failed, synthesising locally",
			"task_id", taskID, "example_id", st.ExampleID, "error", err)
		b.setStatus(taskID, st.ExampleID, StatusGenerating)
	}
	if st.Text == "" {
		return tts.Clip{}, fmt.Errorf("statement text is empty")
	}
	return b.synth.Synthesize(ctx, tts.Request{Text: st.Text, Voice: st.Voice})
}

func (b *Bank) setStatus(taskID, exampleID string, s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[entryKey{taskID: taskID, exampleID: exampleID}]; ok {
		e.status = s
	}
}

// PlayOptions tunes one Play call.
type PlayOptions struct {
	// ShouldPlay is consulted after the entry is confirmed ready and
	// immediately before audio starts. Returning false turns the call
	// into a no-op; the turn engine uses this to drop stale play requests
	// whose token no longer matches.
	ShouldPlay func() bool

	// OnEnded fires once when playback finishes naturally; never after
	// Stop.
	OnEnded func()
}

// Play starts the cached clip on the surface. The entry must already be
// ready (or blocked from an earlier autoplay refusal, in which case this is
// the gesture-driven retry). Returns ErrAutoplayBlocked when the surface
// refuses to start; the entry is marked blocked and a later Play may retry.
func (b *Bank) Play(ctx context.Context, taskID, exampleID string, surface PlaybackSurface, opts PlayOptions) error {
	key := entryKey{taskID: taskID, exampleID: exampleID}

	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || (e.status != StatusReady && e.status != StatusBlocked) {
		status := StatusIdle
		if ok {
			status = e.status
		}
		b.mu.Unlock()
		return fmt.Errorf("audiobank: entry %s/%s not playable (status %s)", taskID, exampleID, status)
	}
	clip := e.clip
	b.mu.Unlock()

	if opts.ShouldPlay != nil && !opts.ShouldPlay() {
		return nil
	}

	onEnded := func() {
		b.setStatus(taskID, exampleID, StatusReady)
		if opts.OnEnded != nil {
			opts.OnEnded()
		}
	}

	b.setStatus(taskID, exampleID, StatusPlaying)
	if err := surface.Play(ctx, clip, onEnded); err != nil {
		if errors.Is(err, ErrAutoplayBlocked) {
			b.setStatus(taskID, exampleID, StatusBlocked)
			return err
		}
		b.setStatus(taskID, exampleID, StatusReady)
		return fmt.Errorf("audiobank: play %s/%s: %w", taskID, exampleID, err)
	}
	return nil
}

// Stop halts the surface and settles any playing or blocked entries back to
// ready. Calling it when nothing is playing is a no-op; the turn engine
// stops redundantly on every state transition rather than tracking whether
// audio is live.
func (b *Bank) Stop(surface PlaybackSurface) {
	surface.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.status == StatusPlaying || e.status == StatusBlocked {
			e.status = StatusReady
		}
	}
}

// GetEntry reports the entry's visible state. The second return is false
// when the pair has never been requested.
func (b *Bank) GetEntry(taskID, exampleID string) (EntryInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[entryKey{taskID: taskID, exampleID: exampleID}]
	if !ok {
		return EntryInfo{Status: StatusIdle}, false
	}
	return EntryInfo{Status: e.status, Err: e.errText}, true
}

// WarmupBatch prepares several statements ahead of need, bounded by the
// configured concurrency. The first error is returned after the whole batch
// settles, matching errgroup semantics; entries that failed stay in the
// error state for EnsureReady to retry on demand.
func (b *Bank) WarmupBatch(ctx context.Context, taskID string, statements []Statement) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.warmers)
	for _, st := range statements {
		g.Go(func() error {
			return b.EnsureReady(ctx, taskID, st)
		})
	}
	return g.Wait()
}
