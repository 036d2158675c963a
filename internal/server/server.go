// Package server exposes the practice runtime over HTTP: a websocket session
// endpoint that remotes audio playback and microphone capture to the page,
// plus health probes and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleylabs/parley/internal/health"
	"github.com/parleylabs/parley/internal/match"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/taskstore"
	"github.com/parleylabs/parley/internal/turn"
	"github.com/parleylabs/parley/pkg/audiobank"
	"github.com/parleylabs/parley/pkg/timing"
)

// maxFrameBytes bounds inbound websocket frames. Finished clips are the
// largest frames; a minute of compressed speech stays well under this.
const maxFrameBytes = 16 << 20

// helloTimeout bounds how long a freshly accepted connection may take to
// send its hello frame.
const helloTimeout = 10 * time.Second

// Config carries the collaborators every session shares.
type Config struct {
	Store     taskstore.Store
	Bank      *audiobank.Bank
	Submitter turn.Submitter

	// Starter may be nil; rounds then start without an external claim.
	Starter turn.RoundStarter

	// Timing applies to every round of every session.
	Timing timing.Config

	// Metrics may be nil; session and turn metrics are then skipped.
	Metrics *observe.Metrics

	// Warmup prefetches each round's patient clip as soon as the hello
	// frame arrives, instead of synthesising on first playback.
	Warmup bool

	// Checkers feed the readiness probe.
	Checkers []health.Checker

	Logger *slog.Logger
}

// Server wires the session endpoint and operational routes.
type Server struct {
	cfg Config
	log *slog.Logger

	timingMu sync.RWMutex
	timing   timing.Config
}

// New validates the config and builds a server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Bank == nil || cfg.Submitter == nil {
		return nil, fmt.Errorf("server: store, bank, and submitter are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log, timing: cfg.Timing}, nil
}

// SetTiming replaces the response-window configuration for sessions opened
// after the call. Sessions already in flight keep the windows they started
// with.
func (s *Server) SetTiming(tc timing.Config) {
	s.timingMu.Lock()
	s.timing = tc
	s.timingMu.Unlock()
}

func (s *Server) currentTiming() timing.Config {
	s.timingMu.RLock()
	defer s.timingMu.RUnlock()
	return s.timing
}

// Handler returns the full route tree. The session endpoint carries the
// observability middleware so every session is traced.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(s.cfg.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/session", s.handleSession)

	if s.cfg.Metrics != nil {
		return observe.Middleware(s.cfg.Metrics)(mux)
	}
	return mux
}

// handleSession upgrades the connection, reads the hello frame, builds the
// match and its turn engine, and serves the session until the page leaves.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx := r.Context()
	sess, err := s.openSession(ctx, conn)
	if err != nil {
		s.log.Warn("session setup failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "invalid hello")
		return
	}

	log := observe.Logger(ctx).With("session_id", sess.id, "match_id", sess.m.ID())
	log.Info("session opened",
		"mode", sess.m.Mode(), "rounds", len(sess.m.Rounds()), "players", len(sess.m.Players()))

	if m := s.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
		m.ActiveMatches.Add(ctx, 1)
		m.ActiveParticipants.Add(ctx, int64(len(sess.m.Players())))
		defer func() {
			m.ActiveSessions.Add(ctx, -1)
			m.ActiveMatches.Add(ctx, -1)
			m.ActiveParticipants.Add(ctx, -int64(len(sess.m.Players())))
		}()
	}

	err = sess.run(ctx)
	log.Info("session closed", "error", err)
	conn.Close(websocket.StatusNormalClosure, "session finished")
}

// openSession waits for the hello frame and assembles the session around it.
func (s *Server) openSession(ctx context.Context, conn *websocket.Conn) (*session, error) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := conn.Read(helloCtx)
	if err != nil {
		return nil, fmt.Errorf("server: read hello: %w", err)
	}
	var raw struct {
		Type string `json:"type"`
		helloMessage
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("server: decode hello: %w", err)
	}
	if raw.Type != msgHello {
		return nil, fmt.Errorf("server: first frame must be hello, got %q", raw.Type)
	}

	m, err := s.buildMatch(ctx, raw.helloMessage)
	if err != nil {
		return nil, err
	}
	if s.cfg.Warmup {
		go s.warmPatientAudio(ctx, raw.helloMessage)
	}

	sess := &session{
		id:       newSessionID(),
		conn:     conn,
		m:        m,
		metrics:  s.cfg.Metrics,
		log:      s.log,
		commands: make(chan *clientMessage, commandBuffer),
	}
	sess.surface = newRemoteSurface(sess)
	sess.recorder = newRemoteRecorder(sess)

	engine, err := turn.NewEngine(m.Mode(), sess.id, s.currentTiming(), turn.Deps{
		Match:     m,
		Store:     s.cfg.Store,
		Bank:      s.cfg.Bank,
		Surface:   sess.surface,
		Recorder:  sess.recorder,
		Submitter: s.cfg.Submitter,
		Starter:   s.cfg.Starter,
	}, turn.WithLogger(s.log), turn.WithEvents(sess.events(ctx)), turn.WithMetrics(s.cfg.Metrics))
	if err != nil {
		return nil, err
	}
	sess.engine = engine

	if err := sess.send(ctx, serverMessage{Type: msgWelcome, MatchID: m.ID()}); err != nil {
		return nil, fmt.Errorf("server: send welcome: %w", err)
	}
	return sess, nil
}

// warmPatientAudio prepares each round's clip ahead of the first playback.
// Failures are logged and left for EnsureReady to retry on demand.
func (s *Server) warmPatientAudio(ctx context.Context, hello helloMessage) {
	byTask := make(map[string][]audiobank.Statement)
	for _, spec := range hello.Rounds {
		task, err := s.cfg.Store.Get(ctx, spec.TaskID)
		if err != nil {
			continue
		}
		example, err := task.Example(spec.ExampleID)
		if err != nil {
			continue
		}
		byTask[spec.TaskID] = append(byTask[spec.TaskID], audiobank.Statement{
			ExampleID: example.ID,
			Text:      example.Statement,
			Voice:     task.Voice,
		})
	}
	for taskID, statements := range byTask {
		if err := s.cfg.Bank.WarmupBatch(ctx, taskID, statements); err != nil {
			s.log.Warn("patient audio warmup failed", "task", taskID, "error", err)
		}
	}
}

// buildMatch validates the hello payload and resolves each round's statement
// from the task store.
func (s *Server) buildMatch(ctx context.Context, hello helloMessage) (*match.Match, error) {
	mode := match.Mode(hello.Mode)
	if !mode.IsValid() {
		return nil, fmt.Errorf("server: invalid mode %q", hello.Mode)
	}
	if hello.MatchID == "" {
		return nil, fmt.Errorf("server: match_id is required")
	}
	if len(hello.Rounds) == 0 {
		return nil, fmt.Errorf("server: at least one round is required")
	}

	known := make(map[string]bool, len(hello.Players))
	for _, p := range hello.Players {
		if p.ID == "" {
			return nil, fmt.Errorf("server: player with empty id")
		}
		known[p.ID] = true
	}

	rounds := make([]*match.Round, 0, len(hello.Rounds))
	for i, spec := range hello.Rounds {
		if spec.ID == "" {
			return nil, fmt.Errorf("server: rounds[%d] has no id", i)
		}
		if !known[spec.PlayerAID] {
			return nil, fmt.Errorf("server: rounds[%d] player_a %q is not in the player list", i, spec.PlayerAID)
		}
		if spec.PlayerBID != "" && !known[spec.PlayerBID] {
			return nil, fmt.Errorf("server: rounds[%d] player_b %q is not in the player list", i, spec.PlayerBID)
		}

		task, err := s.cfg.Store.Get(ctx, spec.TaskID)
		if err != nil {
			return nil, fmt.Errorf("server: rounds[%d]: %w", i, err)
		}
		example, err := task.Example(spec.ExampleID)
		if err != nil {
			return nil, fmt.Errorf("server: rounds[%d]: %w", i, err)
		}

		rounds = append(rounds, &match.Round{
			ID:        spec.ID,
			TaskID:    spec.TaskID,
			ExampleID: spec.ExampleID,
			Statement: example.Statement,
			PlayerAID: spec.PlayerAID,
			PlayerBID: spec.PlayerBID,
		})
	}

	return match.NewMatch(hello.MatchID, mode, hello.Players, hello.Teams, rounds), nil
}
