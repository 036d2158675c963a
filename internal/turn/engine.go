// Package turn drives one practice exchange at a time: patient playback,
// the response window, capture, transcription, scoring, and the timing
// penalty. One engine serves both match modes; a mode policy decides who is
// active and what happens when a result lands, and a [Submitter] strategy
// decides whether inference runs through the gateway or on the device.
//
// The engine is a cooperative state machine. External inputs (user
// gestures, playback completion, the poll tick) call its methods; blocking
// work runs with the lock released and a generation counter discards
// whatever finishes after the round it belonged to was torn down.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleylabs/parley/internal/match"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/submission"
	"github.com/parleylabs/parley/internal/taskstore"
	"github.com/parleylabs/parley/pkg/audiobank"
	"github.com/parleylabs/parley/pkg/capture"
	"github.com/parleylabs/parley/pkg/timing"
)

// State is the engine's position within one turn.
type State string

const (
	StateIdle           State = "idle"
	StatePatientLoading State = "patient_loading"
	StatePatientReady   State = "patient_ready"
	StatePatientPlaying State = "patient_playing"
	StateAwaitingWindow State = "awaiting_response_window"
	StateIntro          State = "intro"
	StateRecording      State = "recording"
	StateTranscribing   State = "transcribing"
	StateEvaluating     State = "evaluating"
	StateBetweenPlayers State = "between_players"
	StateComplete       State = "complete"
)

// MicMode is the derived microphone-control hint for the UI.
type MicMode string

const (
	MicDisabled MicMode = "disabled"
	MicRecord   MicMode = "record"
	MicStop     MicMode = "stop"
	MicLocked   MicMode = "locked"
)

// User-facing notices. The engine never leaves a failure silent; it parks
// in patient_ready with one of these set.
const (
	noticeSubmissionFailed = "Submission failed, please try again."
	noticeMicrophone       = "Microphone access failed."
	noticeRoundStart       = "Could not start the round, please try again."
	noticeAudioLoad        = "Patient audio failed to load."
	noticeAudioPlay        = "Patient audio failed to play."
	noticeAutoplayBlocked  = "Tap the play button to hear the patient."
)

// defaultTickInterval is how often Run polls the timing model for auto-stop
// and auto-fail.
const defaultTickInterval = 100 * time.Millisecond

// Deps are the collaborators one engine drives. All but Starter are
// required; a nil Starter defaults to [NoopStarter].
type Deps struct {
	Match     *match.Match
	Store     taskstore.Store
	Bank      *audiobank.Bank
	Surface   audiobank.PlaybackSurface
	Recorder  capture.Recorder
	Submitter Submitter
	Starter   RoundStarter
}

// Events are optional observer callbacks. They are invoked synchronously
// with the engine lock released, so a callback may call back into the
// engine.
type Events struct {
	// OnState fires on every state change.
	OnState func(from, to State)

	// OnTranscript fires as soon as the transcript is known, before
	// scoring begins.
	OnTranscript func(roundID, participantID, transcript string)

	// OnResult fires after a turn result has been recorded on the match,
	// including synthesized timeout results.
	OnResult func(res match.TurnResult)

	// OnNotice fires when a user-facing notice is set.
	OnNotice func(text string)
}

// Engine is the per-turn state machine. All exported methods are safe for
// concurrent use, though the intended driver is a single event loop.
type Engine struct {
	sessionID string
	mode      match.Mode
	pol       policy
	deps      Deps
	events    Events
	metrics   *observe.Metrics
	log       *slog.Logger
	clock     func() time.Time
	tickEvery time.Duration

	mu     sync.Mutex
	state  State
	notice string

	round   *match.Round
	task    taskstore.TaskDefinition
	example taskstore.ExampleDefinition
	active  string

	// claimed is set once the round start has been announced; introShown
	// once this round's intro sequence has run. Both reset with the round.
	claimed    bool
	introShown bool

	// playToken tags playback requests; a playback only starts if the token
	// it captured still matches. gen tags the whole round; blocking work
	// that resumes under a different gen discards its effects.
	playToken uint64
	gen       uint64

	// One-shot guards keyed by round and participant, recreated on round
	// change so they cannot leak across rounds.
	autoStopDone map[string]bool
	autoFailDone map[string]bool

	model *timing.Model
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the wall clock for the engine and its timing model.
// Tests use this to drive countdowns deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithTickInterval overrides the Run poll interval.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickEvery = d
		}
	}
}

// WithEvents installs the observer callbacks.
func WithEvents(ev Events) Option {
	return func(e *Engine) { e.events = ev }
}

// WithMetrics records submission failures on the given instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an engine for one match. The timing configuration
// applies to every round the engine runs.
func NewEngine(mode match.Mode, sessionID string, timingCfg timing.Config, deps Deps, opts ...Option) (*Engine, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("turn: invalid mode %q", mode)
	}
	if deps.Match == nil || deps.Store == nil || deps.Bank == nil ||
		deps.Surface == nil || deps.Recorder == nil || deps.Submitter == nil {
		return nil, fmt.Errorf("turn: match, store, bank, surface, recorder, and submitter are all required")
	}
	if deps.Starter == nil {
		deps.Starter = NoopStarter{}
	}

	e := &Engine{
		sessionID: sessionID,
		mode:      mode,
		deps:      deps,
		log:       slog.Default(),
		clock:     time.Now,
		tickEvery: defaultTickInterval,
		state:     StateIdle,
	}
	switch mode {
	case match.ModeTDM:
		e.pol = versusPolicy{}
	default:
		e.pol = soloPolicy{}
	}
	for _, o := range opts {
		o(e)
	}
	e.model = timing.NewModel(timingCfg, timing.WithClock(e.clock))
	e.autoStopDone = make(map[string]bool)
	e.autoFailDone = make(map[string]bool)
	return e, nil
}

// SetRound points the engine at a round, tearing down whatever turn was in
// progress. Setting the currently active round again is a no-op. The task
// and example definitions are loaded from the store so local evaluation and
// audio synthesis have their rubric and statement at hand.
func (e *Engine) SetRound(ctx context.Context, round *match.Round) error {
	if round == nil {
		return fmt.Errorf("turn: round must not be nil")
	}
	if round.PlayerAID == "" {
		return fmt.Errorf("turn: round %s has no participant", round.ID)
	}

	e.mu.Lock()
	if e.round != nil && e.round.ID == round.ID {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	e.playToken++
	gen := e.gen
	e.mu.Unlock()

	e.deps.Bank.Stop(e.deps.Surface)

	task, err := e.deps.Store.Get(ctx, round.TaskID)
	if err != nil {
		return fmt.Errorf("turn: load task %s: %w", round.TaskID, err)
	}
	example, err := task.Example(round.ExampleID)
	if err != nil {
		return fmt.Errorf("turn: load example: %w", err)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.round = round
	e.task = *task
	e.example = example
	e.active = round.PlayerAID
	e.claimed = false
	e.introShown = false
	e.autoStopDone = make(map[string]bool)
	e.autoFailDone = make(map[string]bool)
	e.model.Reset()
	fireNotice := e.setNoticeLocked("")
	fireState := e.setStateLocked(StateIdle)
	e.mu.Unlock()
	fireNotice()
	fireState()
	return nil
}

// Start is the start/resume entry point. From idle it claims the round,
// readies the patient audio, and either runs the intro or begins playback.
// From between_players it resumes for the second participant by resetting
// timing and moving to patient_ready; the round is not claimed again. In
// any other state it is an idempotent no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.round == nil || e.active == "" {
		e.mu.Unlock()
		return fmt.Errorf("turn: no round to start")
	}

	if e.state == StateBetweenPlayers {
		e.model.Reset()
		fire := e.setStateLocked(StatePatientReady)
		e.mu.Unlock()
		fire()
		return nil
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil
	}

	gen := e.gen
	tc := e.turnContextLocked()
	fireNotice := e.setNoticeLocked("")
	fireState := e.setStateLocked(StatePatientLoading)
	needClaim := !e.claimed
	e.mu.Unlock()
	fireNotice()
	fireState()

	if needClaim {
		if err := e.deps.Starter.StartRound(ctx, tc, e.mode); err != nil {
			e.recoverTo(gen, StateIdle, noticeRoundStart, err)
			return err
		}
		if err := e.deps.Match.MarkStarted(tc.Round.ID, e.clock()); err != nil {
			e.recoverTo(gen, StateIdle, noticeRoundStart, err)
			return err
		}
		e.mu.Lock()
		if e.gen == gen {
			e.claimed = true
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	if e.pol.introPending(e.introShown) {
		fire := e.setStateLocked(StateIntro)
		e.mu.Unlock()
		fire()
		return nil
	}
	e.mu.Unlock()

	return e.startPlayback(ctx, gen)
}

// FinishIntro reports that the intro sequence has completed and begins
// patient playback. Only valid in the intro state.
func (e *Engine) FinishIntro(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIntro {
		e.mu.Unlock()
		return fmt.Errorf("turn: no intro in progress")
	}
	e.introShown = true
	gen := e.gen
	e.mu.Unlock()
	return e.startPlayback(ctx, gen)
}

// PlayPatient replays the patient statement on demand, including the
// gesture-driven retry after a blocked autoplay.
func (e *Engine) PlayPatient(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StatePatientReady && e.state != StateAwaitingWindow {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("turn: cannot play patient audio in state %q", st)
	}
	gen := e.gen
	e.mu.Unlock()
	return e.startPlayback(ctx, gen)
}

// startPlayback readies the clip and starts it under a fresh play token.
// The token closes the stale-playback race: a slow load only starts audio
// if nothing else has moved the turn on in the meantime.
func (e *Engine) startPlayback(ctx context.Context, gen uint64) error {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.playToken++
	token := e.playToken
	taskID := e.task.ID
	st := audiobank.Statement{
		ExampleID: e.example.ID,
		Text:      e.round.Statement,
		Voice:     e.task.Voice,
	}
	fire := e.setStateLocked(StatePatientLoading)
	e.mu.Unlock()
	fire()

	if err := e.deps.Bank.EnsureReady(ctx, taskID, st); err != nil {
		e.recoverTo(gen, StatePatientReady, noticeAudioLoad, err)
		return err
	}

	e.mu.Lock()
	if e.gen != gen || e.playToken != token {
		e.mu.Unlock()
		return nil
	}
	fire = e.setStateLocked(StatePatientPlaying)
	e.mu.Unlock()
	fire()

	err := e.deps.Bank.Play(ctx, taskID, st.ExampleID, e.deps.Surface, audiobank.PlayOptions{
		ShouldPlay: func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.gen == gen && e.playToken == token && e.state == StatePatientPlaying
		},
		OnEnded: func() { e.playbackEnded(gen, token) },
	})
	if err != nil {
		if errors.Is(err, audiobank.ErrAutoplayBlocked) {
			e.recoverTo(gen, StatePatientReady, noticeAutoplayBlocked, err)
			return err
		}
		e.recoverTo(gen, StatePatientReady, noticeAudioPlay, err)
		return err
	}
	return nil
}

// playbackEnded stamps the end of patient speech and moves to the waiting
// state the countdown dictates. Stale tokens are ignored.
func (e *Engine) playbackEnded(gen, token uint64) {
	e.mu.Lock()
	if e.gen != gen || e.playToken != token || e.state != StatePatientPlaying {
		e.mu.Unlock()
		return
	}
	e.model.MarkPatientSpeechEnded()
	next := StatePatientReady
	if cd, ok := e.model.ResponseCountdown(); ok && cd > 0 {
		next = StateAwaitingWindow
	}
	fire := e.setStateLocked(next)
	e.mu.Unlock()
	fire()
}

// StartRecording begins microphone capture from a user gesture. Any active
// playback is force-stopped first; playback and recording never overlap.
// If the round was never claimed it is claimed now.
func (e *Engine) StartRecording(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StatePatientReady, StatePatientPlaying, StateAwaitingWindow:
	default:
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("turn: cannot start recording in state %q", st)
	}
	gen := e.gen
	tc := e.turnContextLocked()
	needClaim := !e.claimed
	e.playToken++ // invalidate any pending playback
	e.mu.Unlock()

	e.deps.Bank.Stop(e.deps.Surface)

	if needClaim {
		if err := e.deps.Starter.StartRound(ctx, tc, e.mode); err != nil {
			e.recoverTo(gen, StatePatientReady, noticeRoundStart, err)
			return err
		}
		if err := e.deps.Match.MarkStarted(tc.Round.ID, e.clock()); err != nil {
			e.recoverTo(gen, StatePatientReady, noticeRoundStart, err)
			return err
		}
		e.mu.Lock()
		if e.gen == gen {
			e.claimed = true
		}
		e.mu.Unlock()
	}

	if err := e.deps.Recorder.StartFromUserGesture(ctx); err != nil {
		e.recoverTo(gen, StatePatientReady, noticeMicrophone, err)
		return fmt.Errorf("turn: start recording: %w", err)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.model.MarkResponseStart()
	fire := e.setStateLocked(StateRecording)
	e.mu.Unlock()
	fire()
	return nil
}

// StopAndSubmit ends the capture and runs the submission pipeline:
// transcribe, then score, then normalize, apply the timing penalty, and
// record the result. A cancelled or empty capture is a silent no-op that
// leaves the state unchanged. Any stage failure parks the turn back in
// patient_ready with a notice instead of leaving the UI stuck mid-pipeline.
func (e *Engine) StopAndSubmit(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRecording {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("turn: cannot submit in state %q", st)
	}
	gen := e.gen
	e.mu.Unlock()

	clip, err := e.deps.Recorder.Stop(ctx)
	if err != nil {
		e.recoverTo(gen, StatePatientReady, noticeSubmissionFailed, err)
		return fmt.Errorf("turn: stop recording: %w", err)
	}
	if clip.Empty() {
		return nil
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.model.MarkResponseStop()
	snap := e.model.Snapshot()
	tc := e.turnContextLocked()
	fire := e.setStateLocked(StateTranscribing)
	e.mu.Unlock()
	fire()

	return e.submit(ctx, gen, tc, *clip, snap)
}

func (e *Engine) recordSubmissionError(ctx context.Context, stage string) {
	if e.metrics != nil {
		e.metrics.RecordSubmissionError(ctx, stage)
	}
}

// submit runs the two inference stages in order. Evaluation never runs
// without a transcript and attempt ID from transcription; their absence is
// a hard failure, not a skip.
func (e *Engine) submit(ctx context.Context, gen uint64, tc TurnContext, clip capture.Clip, snap timing.Snapshot) error {
	payload, err := e.deps.Submitter.Transcribe(ctx, tc, clip, snap)
	if err != nil {
		e.recordSubmissionError(ctx, "transcribe")
		e.recoverTo(gen, StatePatientReady, noticeSubmissionFailed, err)
		return fmt.Errorf("turn: transcribe: %w", err)
	}
	n := submission.Normalize(*payload)
	if n.Transcript == "" || n.AttemptID == "" {
		err := fmt.Errorf("turn: transcription returned no transcript or attempt ID")
		e.recordSubmissionError(ctx, "transcribe")
		e.recoverTo(gen, StatePatientReady, noticeSubmissionFailed, err)
		return err
	}

	if e.stale(gen) {
		return nil
	}
	if e.events.OnTranscript != nil {
		e.events.OnTranscript(tc.Round.ID, tc.ParticipantID, n.Transcript)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	fire := e.setStateLocked(StateEvaluating)
	e.mu.Unlock()
	fire()

	payload, err = e.deps.Submitter.Score(ctx, tc, n.AttemptID, n.Transcript, snap)
	if err != nil {
		e.recordSubmissionError(ctx, "score")
		e.recoverTo(gen, StatePatientReady, noticeSubmissionFailed, err)
		return fmt.Errorf("turn: score: %w", err)
	}
	scored := submission.Normalize(*payload)
	if scored.Evaluation == nil {
		err := fmt.Errorf("turn: scoring returned no evaluation")
		e.recordSubmissionError(ctx, "score")
		e.recoverTo(gen, StatePatientReady, noticeSubmissionFailed, err)
		return err
	}

	// A server that reports a timing penalty has already folded it into the
	// score; otherwise the locally measured penalty is applied here.
	penalty := snap.Penalty
	score := scored.Score
	if scored.TimingPenalty != nil {
		penalty = *scored.TimingPenalty
	} else {
		score = submission.ApplyTimingPenalty(score, penalty)
	}
	if score == nil {
		err := fmt.Errorf("turn: scoring returned no score")
		e.recordSubmissionError(ctx, "score")
		e.recoverTo(gen, StatePatientReady, noticeSubmissionFailed, err)
		return err
	}

	transcript := scored.Transcript
	if transcript == "" {
		transcript = n.Transcript
	}
	res := match.TurnResult{
		RoundID:       tc.Round.ID,
		PlayerID:      tc.ParticipantID,
		AttemptID:     n.AttemptID,
		Transcript:    transcript,
		Evaluation:    *scored.Evaluation,
		TimingPenalty: penalty,
		Score:         *score,
		CreatedAt:     e.clock(),
	}

	if e.stale(gen) {
		return nil
	}
	if err := e.deps.Match.RecordResult(res); err != nil {
		e.recoverTo(gen, StatePatientReady, noticeSubmissionFailed, err)
		return fmt.Errorf("turn: record result: %w", err)
	}
	if e.events.OnResult != nil {
		e.events.OnResult(res)
	}

	e.finishTurn(gen)
	return nil
}

// finishTurn asks the mode policy what follows a recorded result: hand off
// to the next participant or complete the round.
func (e *Engine) finishTurn(gen uint64) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	next, st := e.pol.advance(e.round, e.active)
	if st == StateBetweenPlayers {
		e.active = next
		e.model.Reset()
	}
	fire := e.setStateLocked(st)
	e.mu.Unlock()

	if st == StateBetweenPlayers {
		e.deps.Bank.Stop(e.deps.Surface)
	}
	fire()
}

// Abort tears the turn down to idle, discarding any in-flight work. Used
// when the surrounding match is dismantled mid-turn.
func (e *Engine) Abort() {
	e.mu.Lock()
	e.gen++
	e.playToken++
	e.model.Reset()
	fireNotice := e.setNoticeLocked("")
	fireState := e.setStateLocked(StateIdle)
	e.mu.Unlock()

	e.deps.Bank.Stop(e.deps.Surface)
	fireNotice()
	fireState()
}

// Run polls the timing model until ctx is cancelled, driving the
// auto-start, auto-stop, window-elapse, and auto-fail transitions.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick applies every time-driven transition that is due. Exported behavior
// is exercised through Run; tests call tick directly with a fake clock.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	if e.round == nil || e.active == "" {
		e.mu.Unlock()
		return
	}
	key := e.round.ID + "|" + e.active

	switch e.state {
	case StateIdle:
		// Auto-start, unless a previous failure is waiting on the user.
		if e.notice == "" {
			e.mu.Unlock()
			if err := e.Start(ctx); err != nil {
				e.log.Warn("auto-start failed", "error", err)
			}
			return
		}

	case StateRecording:
		if rem, ok := e.model.MaxDurationRemaining(); ok && rem <= 0 && !e.autoStopDone[key] {
			e.autoStopDone[key] = true
			e.mu.Unlock()
			if err := e.StopAndSubmit(ctx); err != nil {
				e.log.Warn("auto-stop submission failed", "error", err)
			}
			return
		}

	case StateAwaitingWindow:
		if cd, ok := e.model.ResponseCountdown(); ok && cd <= 0 {
			if e.autoFailLocked(key) {
				return
			}
			fire := e.setStateLocked(StatePatientReady)
			e.mu.Unlock()
			fire()
			return
		}

	case StatePatientReady, StatePatientPlaying, StatePatientLoading:
		if e.autoFailLocked(key) {
			return
		}
	}
	e.mu.Unlock()
}

// autoFailLocked fires the zero-score timeout completion when the
// countdown has fallen through the floor. Called with the lock held;
// returns true after releasing it if the auto-fail ran.
func (e *Engine) autoFailLocked(key string) bool {
	cd, ok := e.model.ResponseCountdown()
	if !ok || cd > timing.CountdownFloor || e.autoFailDone[key] {
		return false
	}
	e.autoFailDone[key] = true

	gen := e.gen
	attemptID := newAttemptID()
	ev := submission.SynthesizeTimeoutEvaluation(e.task.ID, e.example.ID, attemptID)
	res := match.TurnResult{
		RoundID:       e.round.ID,
		PlayerID:      e.active,
		AttemptID:     attemptID,
		Transcript:    ev.Transcript,
		Evaluation:    ev,
		TimingPenalty: 0,
		Score:         0,
		CreatedAt:     e.clock(),
	}
	e.mu.Unlock()

	e.log.Info("response window missed, auto-failing turn",
		"round_id", res.RoundID, "participant_id", res.PlayerID)
	if err := e.deps.Match.RecordResult(res); err != nil {
		e.log.Error("record timeout result", "error", err)
		return true
	}
	if e.events.OnResult != nil {
		e.events.OnResult(res)
	}
	e.finishTurn(gen)
	return true
}

// recoverTo parks the turn in a safe state with a user-facing notice. A
// stale generation means the round is gone; nothing is touched.
func (e *Engine) recoverTo(gen uint64, st State, notice string, cause error) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	fireNotice := e.setNoticeLocked(notice)
	fireState := e.setStateLocked(st)
	e.mu.Unlock()

	e.log.Warn("turn recovered after failure",
		"state", st, "notice", notice, "error", cause)
	fireNotice()
	fireState()
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Notice returns the pending user-facing notice, empty when none.
func (e *Engine) Notice() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notice
}

// ActiveParticipant returns the participant whose turn it currently is.
func (e *Engine) ActiveParticipant() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// MicMode derives the microphone-control hint from the current state.
func (e *Engine) MicMode() MicMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil || e.active == "" {
		return MicDisabled
	}
	switch e.state {
	case StateRecording:
		return MicStop
	case StateTranscribing, StateEvaluating:
		return MicLocked
	case StatePatientReady, StatePatientPlaying, StateAwaitingWindow:
		return MicRecord
	default:
		return MicDisabled
	}
}

// CountdownLabel renders the response countdown for display: "WAIT n.ns"
// inside the grace window, "LATE n.ns" past due, empty when the countdown
// is undefined.
func (e *Engine) CountdownLabel() string {
	cd, ok := e.model.ResponseCountdown()
	if !ok {
		return ""
	}
	if cd >= 0 {
		return fmt.Sprintf("WAIT %.1fs", cd)
	}
	return fmt.Sprintf("LATE %.1fs", -cd)
}

// AttentionNeeded reports that the countdown has gone negative but has not
// yet reached the auto-fail floor.
func (e *Engine) AttentionNeeded() bool {
	cd, ok := e.model.ResponseCountdown()
	return ok && cd < 0 && cd > timing.CountdownFloor
}

// stale reports whether gen no longer identifies the current round.
func (e *Engine) stale(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen != gen
}

// turnContextLocked assembles the submitter context for the active turn.
func (e *Engine) turnContextLocked() TurnContext {
	return TurnContext{
		SessionID:     e.sessionID,
		Round:         e.round,
		ParticipantID: e.active,
		Task:          e.task,
		Example:       e.example,
	}
}

// setStateLocked changes the state and returns the deferred OnState
// notification, to be invoked after the lock is released.
func (e *Engine) setStateLocked(to State) func() {
	from := e.state
	e.state = to
	if from == to || e.events.OnState == nil {
		return func() {}
	}
	return func() { e.events.OnState(from, to) }
}

// setNoticeLocked sets the notice and returns its deferred notification.
func (e *Engine) setNoticeLocked(text string) func() {
	e.notice = text
	if text == "" || e.events.OnNotice == nil {
		return func() {}
	}
	return func() { e.events.OnNotice(text) }
}
