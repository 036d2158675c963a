// Package timing implements the response-window model for a practice turn.
//
// A turn has two configurable bounds: a minimum delay the responder must wait
// after the patient finishes speaking (to train deliberate pacing), and a
// maximum duration the response may run. The model holds the three raw
// timestamps of a turn (patient-speech end, response start, response stop)
// and derives live countdowns for the UI plus a frozen [Snapshot] used at
// submission time.
//
// Derived values are recomputed on demand from the injected clock; callers
// poll at whatever resolution they need (the engine polls at 100 ms, which is
// the precision this model is designed for; nothing here promises sub-tick
// accuracy).
//
// A Model is safe for concurrent use.
package timing

import (
	"sync"
	"time"
)

// CountdownFloor is the lowest value ResponseCountdown will report, in
// seconds. Once the countdown reaches this floor the responder is considered
// to have missed the response window entirely; callers stop polling and
// trigger their timeout handling.
const CountdownFloor = -60.0

// ViolationKind identifies which response-window bound was violated.
type ViolationKind string

const (
	// ViolationEarly means the response started before the minimum delay
	// elapsed.
	ViolationEarly ViolationKind = "early_response"

	// ViolationOverrun means the response ran past the maximum duration.
	ViolationOverrun ViolationKind = "duration_overrun"
)

// Violation records a single response-window violation and its severity in
// [0, 1]. Severity 1 means a maximally early or maximally long response.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Severity float64       `json:"severity"`
}

// Config holds the response-window bounds for a turn. The zero value disables
// both timers, which yields a penalty of exactly 0 regardless of timestamps.
type Config struct {
	// ResponseTimerEnabled turns on the minimum-delay bound.
	ResponseTimerEnabled bool `yaml:"response_timer_enabled"`

	// ResponseTimerSeconds is the minimum delay, in seconds, between the end
	// of patient speech and the start of the response.
	ResponseTimerSeconds float64 `yaml:"response_timer_seconds"`

	// MaxDurationEnabled turns on the maximum-duration cap.
	MaxDurationEnabled bool `yaml:"max_duration_enabled"`

	// MaxDurationSeconds is the maximum allowed response duration in seconds.
	MaxDurationSeconds float64 `yaml:"max_duration_seconds"`
}

// Snapshot is the frozen measurement attached to a submission. It is computed
// from the recorded timestamps, never from the live countdowns, so what the
// UI happened to display last has no bearing on what gets scored.
type Snapshot struct {
	// ResponseDelayMs is the time between patient-speech end and response
	// start. Negative values never occur; 0 means the delay could not be
	// measured (a timestamp was missing).
	ResponseDelayMs int64 `json:"response_delay_ms"`

	// ResponseDurationMs is the measured response length. 0 when unmeasured.
	ResponseDurationMs int64 `json:"response_duration_ms"`

	// Penalty is the score deduction in [0, 1] derived from the violations.
	Penalty float64 `json:"penalty"`

	// Violations lists each violated bound with its severity. Empty when the
	// response was fully compliant or the timers were disabled.
	Violations []Violation `json:"violations,omitempty"`
}

// Model tracks the raw timestamps of one turn and derives countdowns and the
// submission snapshot. Create one per controller with [NewModel] and Reset it
// whenever the round changes.
type Model struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	patientSpeechEndedAt time.Time // zero = not yet set
	responseStartedAt    time.Time
	responseStoppedAt    time.Time
}

// Option configures a [Model] during construction.
type Option func(*Model)

// WithClock overrides the wall clock. Tests use this to drive the model
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// NewModel returns a Model with no timestamps set.
func NewModel(cfg Config, opts ...Option) *Model {
	m := &Model{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the response-window configuration the model was built with.
func (m *Model) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// MarkPatientSpeechEnded stamps the end of patient audio playback. Calling it
// again overwrites the previous stamp; the engine only does so after a Reset.
func (m *Model) MarkPatientSpeechEnded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patientSpeechEndedAt = m.now()
}

// MarkResponseStart stamps the beginning of the recording. Any stop stamp
// from an earlier, failed submission attempt is discarded so the duration
// timer runs again for the retry.
func (m *Model) MarkResponseStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseStartedAt = m.now()
	m.responseStoppedAt = time.Time{}
}

// MarkResponseStop stamps the end of the recording.
func (m *Model) MarkResponseStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseStoppedAt = m.now()
}

// Reset clears all timestamps. The configuration is retained.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patientSpeechEndedAt = time.Time{}
	m.responseStartedAt = time.Time{}
	m.responseStoppedAt = time.Time{}
}

// ResponseCountdown reports the seconds remaining until the minimum delay has
// elapsed. Positive values mean "still inside the wait window"; negative
// values mean the responder is past due. The value is clamped at
// [CountdownFloor].
//
// The countdown is defined only while the minimum-delay timer is enabled,
// patient speech has ended, and the response has not yet started; ok is false
// otherwise.
func (m *Model) ResponseCountdown() (seconds float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.ResponseTimerEnabled || m.patientSpeechEndedAt.IsZero() || !m.responseStartedAt.IsZero() {
		return 0, false
	}

	elapsed := m.now().Sub(m.patientSpeechEndedAt).Seconds()
	remaining := m.cfg.ResponseTimerSeconds - elapsed
	if remaining < CountdownFloor {
		remaining = CountdownFloor
	}
	return remaining, true
}

// MaxDurationRemaining reports the seconds left before the response hits the
// maximum-duration cap, floored at 0. Defined only while the cap is enabled
// and a recording is active (started but not stopped); ok is false otherwise.
func (m *Model) MaxDurationRemaining() (seconds float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.MaxDurationEnabled || m.responseStartedAt.IsZero() || !m.responseStoppedAt.IsZero() {
		return 0, false
	}

	elapsed := m.now().Sub(m.responseStartedAt).Seconds()
	remaining := m.cfg.MaxDurationSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Snapshot freezes the realized delay and duration from the recorded
// timestamps and computes the resulting penalty. Missing timestamps yield
// zero for the corresponding measurement and no violation for that bound.
func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var delayMs, durationMs int64
	delayKnown := !m.patientSpeechEndedAt.IsZero() && !m.responseStartedAt.IsZero()
	if delayKnown {
		delayMs = m.responseStartedAt.Sub(m.patientSpeechEndedAt).Milliseconds()
		if delayMs < 0 {
			delayMs = 0
		}
	}
	durationKnown := !m.responseStartedAt.IsZero() && !m.responseStoppedAt.IsZero()
	if durationKnown {
		durationMs = m.responseStoppedAt.Sub(m.responseStartedAt).Milliseconds()
		if durationMs < 0 {
			durationMs = 0
		}
	}

	penalty, violations := ComputePenalty(m.cfg, delayMs, delayKnown, durationMs, durationKnown)
	return Snapshot{
		ResponseDelayMs:    delayMs,
		ResponseDurationMs: durationMs,
		Penalty:            penalty,
		Violations:         violations,
	}
}

// ComputePenalty derives the timing penalty from the realized delay and
// duration of a response. delayKnown/durationKnown indicate whether the
// corresponding measurement was actually taken; an unknown measurement never
// produces a violation.
//
// Each violated bound contributes a severity in [0, 1]:
//
//   - early response: 1 − delay/minDelay (responding instantly is severity 1)
//   - overrun: (duration − maxDuration)/maxDuration, clamped to 1
//
// The penalty is 0 when no bound is violated, otherwise 0.5 + 0.5×max
// severity. Any violation therefore costs at least half a point; partial
// compliance is deliberately not cheap.
func ComputePenalty(cfg Config, delayMs int64, delayKnown bool, durationMs int64, durationKnown bool) (float64, []Violation) {
	var violations []Violation

	if cfg.ResponseTimerEnabled && delayKnown && cfg.ResponseTimerSeconds > 0 {
		minDelayMs := cfg.ResponseTimerSeconds * 1000
		if float64(delayMs) < minDelayMs {
			sev := clamp01(1 - float64(delayMs)/minDelayMs)
			if sev > 0 {
				violations = append(violations, Violation{Kind: ViolationEarly, Severity: sev})
			}
		}
	}

	if cfg.MaxDurationEnabled && durationKnown && cfg.MaxDurationSeconds > 0 {
		maxDurationMs := cfg.MaxDurationSeconds * 1000
		if float64(durationMs) > maxDurationMs {
			sev := clamp01((float64(durationMs) - maxDurationMs) / maxDurationMs)
			if sev > 0 {
				violations = append(violations, Violation{Kind: ViolationOverrun, Severity: sev})
			}
		}
	}

	var maxSev float64
	for _, v := range violations {
		if v.Severity > maxSev {
			maxSev = v.Severity
		}
	}
	if maxSev == 0 {
		return 0, violations
	}
	return 0.5 + 0.5*maxSev, violations
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
