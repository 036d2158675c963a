package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parleylabs/parley/internal/evaluation"
	"github.com/parleylabs/parley/internal/submission"
	"github.com/parleylabs/parley/internal/taskstore"
	"github.com/parleylabs/parley/internal/turn"
	"github.com/parleylabs/parley/pkg/audiobank"
	"github.com/parleylabs/parley/pkg/capture"
	ttsmock "github.com/parleylabs/parley/pkg/provider/tts/mock"
	"github.com/parleylabs/parley/pkg/timing"
)

// scriptedSubmitter returns canned transcription and scoring results.
type scriptedSubmitter struct {
	transcript string
	score      float64
}

func (s *scriptedSubmitter) Transcribe(_ context.Context, tc turn.TurnContext, _ capture.Clip, _ timing.Snapshot) (*submission.Payload, error) {
	transcript := s.transcript
	attemptID := "att_server_test"
	return &submission.Payload{Transcript: &transcript, AttemptID: &attemptID}, nil
}

func (s *scriptedSubmitter) Score(_ context.Context, tc turn.TurnContext, attemptID, transcript string, _ timing.Snapshot) (*submission.Payload, error) {
	return &submission.Payload{
		Transcript: &transcript,
		AttemptID:  &attemptID,
		Evaluation: &evaluation.Evaluation{
			TaskID:     tc.Task.ID,
			ExampleID:  tc.Example.ID,
			AttemptID:  attemptID,
			Transcript: transcript,
			Overall:    evaluation.Overall{Score: s.score, Pass: true, Feedback: "well handled"},
		},
	}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := taskstore.NewMemStore()
	err := store.Upsert(context.Background(), &taskstore.TaskDefinition{
		ID:        "breathing",
		Title:     "Breathing reassurance",
		MaxScore:  5,
		PassScore: 3,
		Examples: []taskstore.ExampleDefinition{
			{ID: "ex1", Statement: "I wake up at night and I can't catch my breath."},
		},
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	bank, err := audiobank.New(&ttsmock.Provider{})
	if err != nil {
		t.Fatalf("audiobank.New: %v", err)
	}

	srv, err := New(Config{
		Store:     store,
		Bank:      bank,
		Submitter: &scriptedSubmitter{transcript: "That sounds really frightening.", score: 4},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/session"
}

func dialSession(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(newTestServer(t)), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readServerMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

// awaitMessage reads frames until one of the wanted type arrives, answering
// device commands along the way like a well-behaved page would.
func awaitMessage(t *testing.T, conn *websocket.Conn, wantType string) serverMessage {
	t.Helper()
	for range 100 {
		msg := readServerMessage(t, conn)
		switch msg.Type {
		case wantType:
			return msg
		case msgPlay:
			sendJSON(t, conn, clientMessage{Type: msgPlayAck, PlayID: msg.PlayID, Status: ackPlaying})
			sendJSON(t, conn, clientMessage{Type: msgPlaybackEnded, PlayID: msg.PlayID})
		case msgStartCapture:
			sendJSON(t, conn, clientMessage{Type: msgRecordAck, RecordID: msg.RecordID, Status: ackRecording})
		case msgStopCapture:
			sendJSON(t, conn, clientMessage{
				Type:     msgClip,
				RecordID: msg.RecordID,
				Audio:    []byte("opus-frames"),
				MimeType: "audio/webm",
			})
		}
	}
	t.Fatalf("no %s frame within 100 reads", wantType)
	return serverMessage{}
}

// awaitState reads frames until the engine reports the wanted state.
func awaitState(t *testing.T, conn *websocket.Conn, want string) serverMessage {
	t.Helper()
	for range 100 {
		msg := awaitMessage(t, conn, msgState)
		if msg.State == want {
			return msg
		}
	}
	t.Fatalf("state %s never reached", want)
	return serverMessage{}
}

func soloHello() any {
	return map[string]any{
		"type":     msgHello,
		"match_id": "m1",
		"mode":     "ffa",
		"players":  []map[string]string{{"id": "p1", "name": "Ada"}},
		"rounds": []map[string]string{
			{"id": "r1", "task_id": "breathing", "example_id": "ex1", "player_a": "p1"},
		},
	}
}

func TestSession_SoloTurnOverWebsocket(t *testing.T) {
	conn := dialSession(t)

	sendJSON(t, conn, soloHello())
	welcome := readServerMessage(t, conn)
	if welcome.Type != msgWelcome || welcome.MatchID != "m1" {
		t.Fatalf("welcome = %+v", welcome)
	}

	sendJSON(t, conn, clientMessage{Type: msgSetRound, RoundID: "r1"})

	// The engine auto-starts, plays the patient clip (acknowledged by
	// awaitMessage), and parks ready for the response.
	awaitState(t, conn, string(turn.StatePatientReady))

	sendJSON(t, conn, clientMessage{Type: msgCommand, Action: cmdStartRecording})
	awaitState(t, conn, string(turn.StateRecording))

	sendJSON(t, conn, clientMessage{Type: msgCommand, Action: cmdStopAndSubmit})

	tr := awaitMessage(t, conn, msgTranscript)
	if tr.Transcript != "That sounds really frightening." {
		t.Errorf("transcript = %q", tr.Transcript)
	}
	if tr.RoundID != "r1" || tr.ParticipantID != "p1" {
		t.Errorf("transcript frame = %+v", tr)
	}

	res := awaitMessage(t, conn, msgResult)
	if res.Result == nil {
		t.Fatal("result frame has no result")
	}
	if res.Result.Score != 4 {
		t.Errorf("result score = %v, want 4", res.Result.Score)
	}
	if res.Result.PlayerID != "p1" {
		t.Errorf("result player = %q, want p1", res.Result.PlayerID)
	}

	// One round, one player: the match is finished and a summary follows.
	summary := awaitMessage(t, conn, msgMatchSummary)
	if summary.Summary == nil {
		t.Fatal("summary frame has no summary")
	}

	awaitState(t, conn, string(turn.StateComplete))
}

func TestSession_RejectsInvalidHello(t *testing.T) {
	tests := []struct {
		name  string
		hello map[string]any
	}{
		{
			name: "bad mode",
			hello: map[string]any{
				"type": msgHello, "match_id": "m1", "mode": "battle-royale",
				"players": []map[string]string{{"id": "p1"}},
				"rounds":  []map[string]string{{"id": "r1", "task_id": "breathing", "example_id": "ex1", "player_a": "p1"}},
			},
		},
		{
			name: "unknown task",
			hello: map[string]any{
				"type": msgHello, "match_id": "m1", "mode": "ffa",
				"players": []map[string]string{{"id": "p1", "name": "Ada"}},
				"rounds":  []map[string]string{{"id": "r1", "task_id": "nope", "example_id": "ex1", "player_a": "p1"}},
			},
		},
		{
			name: "unassigned player",
			hello: map[string]any{
				"type": msgHello, "match_id": "m1", "mode": "ffa",
				"players": []map[string]string{{"id": "p1", "name": "Ada"}},
				"rounds":  []map[string]string{{"id": "r1", "task_id": "breathing", "example_id": "ex1", "player_a": "p9"}},
			},
		},
		{
			name:  "no rounds",
			hello: map[string]any{"type": msgHello, "match_id": "m1", "mode": "ffa"},
		},
		{
			name:  "not a hello",
			hello: map[string]any{"type": msgCommand, "action": cmdStart},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := dialSession(t)
			sendJSON(t, conn, tc.hello)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _, err := conn.Read(ctx)
			if err == nil {
				t.Fatal("expected connection close after invalid hello")
			}
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Errorf("close status = %v, want policy violation", websocket.CloseStatus(err))
			}
		})
	}
}

func TestSession_UnknownCommandReportsError(t *testing.T) {
	conn := dialSession(t)
	sendJSON(t, conn, soloHello())
	if msg := readServerMessage(t, conn); msg.Type != msgWelcome {
		t.Fatalf("first frame = %s, want welcome", msg.Type)
	}

	sendJSON(t, conn, clientMessage{Type: msgCommand, Action: "moonwalk"})
	errMsg := awaitMessage(t, conn, msgError)
	if !strings.Contains(errMsg.Text, "moonwalk") {
		t.Errorf("error text = %q, want mention of the unknown command", errMsg.Text)
	}
}

func TestSession_UnknownRoundReportsError(t *testing.T) {
	conn := dialSession(t)
	sendJSON(t, conn, soloHello())
	if msg := readServerMessage(t, conn); msg.Type != msgWelcome {
		t.Fatalf("first frame = %s, want welcome", msg.Type)
	}

	sendJSON(t, conn, clientMessage{Type: msgSetRound, RoundID: "r99"})
	errMsg := awaitMessage(t, conn, msgError)
	if !strings.Contains(errMsg.Text, "r99") {
		t.Errorf("error text = %q, want mention of the unknown round", errMsg.Text)
	}
}

func TestServer_HealthAndMetricsRoutes(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New(empty config) = nil error, want validation failure")
	}
}
