package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/parleylabs/parley/internal/match"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/submission"
	"github.com/parleylabs/parley/internal/turn"
)

// commandBuffer bounds queued page commands. The page sends commands at
// human pace; a full buffer means the client is misbehaving.
const commandBuffer = 16

// session binds one websocket connection to one match and its turn engine.
// Device frames (play and capture acknowledgements) are handled inline on
// the read loop; engine commands run on a separate worker so a command that
// blocks waiting for a device frame cannot deadlock the connection.
type session struct {
	id       string
	conn     *websocket.Conn
	m        *match.Match
	engine   *turn.Engine
	surface  *remoteSurface
	recorder *remoteRecorder
	metrics  *observe.Metrics
	log      *slog.Logger

	writeMu sync.Mutex

	commands chan *clientMessage
}

// newSessionID mints a short opaque session identifier.
func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("server: read random bytes: %v", err))
	}
	return "ses_" + hex.EncodeToString(b[:])
}

// send implements sender. Writes are serialised; the engine, the worker, and
// event callbacks all push frames concurrently.
func (s *session) send(ctx context.Context, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: encode %s message: %w", msg.Type, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// events returns the engine observer callbacks that mirror turn progress to
// the page.
func (s *session) events(ctx context.Context) turn.Events {
	return turn.Events{
		OnState: func(_, _ turn.State) {
			s.pushState(ctx)
		},
		OnNotice: func(text string) {
			if text == "" {
				return
			}
			if err := s.send(ctx, serverMessage{Type: msgNotice, Text: text}); err != nil {
				s.log.Debug("push notice failed", "error", err)
			}
		},
		OnTranscript: func(roundID, participantID, transcript string) {
			err := s.send(ctx, serverMessage{
				Type:          msgTranscript,
				RoundID:       roundID,
				ParticipantID: participantID,
				Transcript:    transcript,
			})
			if err != nil {
				s.log.Debug("push transcript failed", "error", err)
			}
		},
		OnResult: func(res match.TurnResult) {
			if err := s.send(ctx, serverMessage{Type: msgResult, Result: &res}); err != nil {
				s.log.Debug("push result failed", "error", err)
			}
			if s.metrics != nil {
				outcome := "scored"
				if submission.IsTimeout(res.Evaluation) {
					outcome = "timeout"
				}
				var seconds float64
				if r := s.m.Round(res.RoundID); r != nil && !r.StartedAt.IsZero() {
					seconds = res.CreatedAt.Sub(r.StartedAt).Seconds()
				}
				s.metrics.RecordTurnCompleted(ctx, string(s.m.Mode()), outcome, seconds)
			}
			if s.m.Finished() {
				summary := s.m.Winner()
				if err := s.send(ctx, serverMessage{Type: msgMatchSummary, Summary: &summary}); err != nil {
					s.log.Debug("push match summary failed", "error", err)
				}
			}
		},
	}
}

// pushState sends a full snapshot of the engine's visible state. Sending the
// whole snapshot on every change keeps the page stateless about transitions.
func (s *session) pushState(ctx context.Context) {
	msg := serverMessage{
		Type:              msgState,
		State:             string(s.engine.State()),
		MicMode:           string(s.engine.MicMode()),
		ActiveParticipant: s.engine.ActiveParticipant(),
		CountdownLabel:    s.engine.CountdownLabel(),
		AttentionNeeded:   s.engine.AttentionNeeded(),
	}
	if err := s.send(ctx, msg); err != nil {
		s.log.Debug("push state failed", "error", err)
	}
}

// run drives the session until the context is cancelled or the connection
// drops. The engine tick loop, the read loop, and the command worker run
// concurrently; the first failure tears all three down.
func (s *session) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.engine.Run(ctx) })
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.commandWorker(ctx) })
	err := g.Wait()
	s.engine.Abort()
	return err
}

// readLoop receives frames and routes them. Device acknowledgements are
// delivered inline because a blocked engine command is waiting on them;
// everything else queues for the command worker.
func (s *session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("server: session %s read: %w", s.id, err)
		}
		msg, err := decodeClient(data)
		if err != nil {
			s.log.Warn("undecodable frame", "session_id", s.id, "error", err)
			continue
		}

		switch msg.Type {
		case msgPlayAck:
			s.surface.handleAck(*msg)
		case msgPlaybackEnded:
			s.surface.handleEnded(msg.PlayID)
		case msgRecordAck, msgClip:
			s.recorder.handleFrame(*msg)
		case msgCommand, msgSetRound:
			select {
			case s.commands <- msg:
			default:
				s.log.Warn("command buffer full, dropping frame",
					"session_id", s.id, "type", msg.Type, "action", msg.Action)
			}
		default:
			s.log.Warn("unknown message type", "session_id", s.id, "type", msg.Type)
		}
	}
}

// commandWorker applies page commands to the engine one at a time, in
// arrival order.
func (s *session) commandWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.commands:
			if err := s.applyCommand(ctx, msg); err != nil {
				s.log.Warn("command failed",
					"session_id", s.id, "type", msg.Type, "action", msg.Action, "error", err)
				if sendErr := s.send(ctx, serverMessage{Type: msgError, Text: err.Error()}); sendErr != nil {
					s.log.Debug("push error failed", "error", sendErr)
				}
			}
		}
	}
}

func (s *session) applyCommand(ctx context.Context, msg *clientMessage) error {
	if msg.Type == msgSetRound {
		round := s.m.Round(msg.RoundID)
		if round == nil {
			return fmt.Errorf("server: unknown round %q", msg.RoundID)
		}
		return s.engine.SetRound(ctx, round)
	}

	switch msg.Action {
	case cmdStart:
		return s.engine.Start(ctx)
	case cmdFinishIntro:
		return s.engine.FinishIntro(ctx)
	case cmdPlayPatient:
		return s.engine.PlayPatient(ctx)
	case cmdStartRecording:
		return s.engine.StartRecording(ctx)
	case cmdStopAndSubmit:
		return s.engine.StopAndSubmit(ctx)
	case cmdAbort:
		s.engine.Abort()
		return nil
	default:
		return fmt.Errorf("server: unknown command %q", msg.Action)
	}
}
