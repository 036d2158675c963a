package server

import (
	"encoding/json"
	"fmt"

	"github.com/parleylabs/parley/internal/match"
)

// Client message types.
const (
	msgHello         = "hello"
	msgCommand       = "command"
	msgSetRound      = "set_round"
	msgPlayAck       = "play_ack"
	msgPlaybackEnded = "playback_ended"
	msgRecordAck     = "record_ack"
	msgClip          = "clip"
)

// Server message types.
const (
	msgWelcome       = "welcome"
	msgState         = "state"
	msgTranscript    = "transcript"
	msgResult        = "result"
	msgNotice        = "notice"
	msgPlay          = "play"
	msgStopAudio     = "stop_audio"
	msgStartCapture  = "start_capture"
	msgStopCapture   = "stop_capture"
	msgMatchSummary  = "match_summary"
	msgError         = "error"
)

// Commands accepted inside a msgCommand message.
const (
	cmdStart          = "start"
	cmdFinishIntro    = "finish_intro"
	cmdPlayPatient    = "play_patient"
	cmdStartRecording = "start_recording"
	cmdStopAndSubmit  = "stop_and_submit"
	cmdAbort          = "abort"
)

// Play ack and record ack statuses reported by the page.
const (
	ackPlaying   = "playing"
	ackBlocked   = "blocked"
	ackError     = "error"
	ackRecording = "recording"
	ackDenied    = "denied"
)

// roundSpec identifies one round in the hello message. The statement text is
// resolved server-side from the task store so clients cannot tamper with it.
type roundSpec struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	ExampleID string `json:"example_id"`
	PlayerAID string `json:"player_a"`
	PlayerBID string `json:"player_b,omitempty"`
}

// helloMessage opens a session and describes the match to run.
type helloMessage struct {
	MatchID string         `json:"match_id"`
	Mode    string         `json:"mode"`
	Players []match.Player `json:"players"`
	Teams   []match.Team   `json:"teams,omitempty"`
	Rounds  []roundSpec    `json:"rounds"`
}

// clientMessage is the envelope for everything the page sends after hello.
type clientMessage struct {
	Type string `json:"type"`

	// msgCommand
	Action string `json:"action,omitempty"`

	// msgSetRound
	RoundID string `json:"round_id,omitempty"`

	// msgPlayAck / msgPlaybackEnded
	PlayID uint64 `json:"play_id,omitempty"`

	// msgRecordAck / msgClip
	RecordID uint64 `json:"record_id,omitempty"`

	// msgPlayAck / msgRecordAck
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// msgClip; audio is base64-encoded by json.Marshal for []byte.
	Audio    []byte `json:"audio,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// serverMessage is the envelope for everything pushed to the page.
type serverMessage struct {
	Type string `json:"type"`

	// msgWelcome
	MatchID string `json:"match_id,omitempty"`

	// msgState
	State             string `json:"state,omitempty"`
	MicMode           string `json:"mic_mode,omitempty"`
	ActiveParticipant string `json:"active_participant,omitempty"`
	CountdownLabel    string `json:"countdown_label,omitempty"`
	AttentionNeeded   bool   `json:"attention_needed,omitempty"`

	// msgNotice / msgError
	Text string `json:"text,omitempty"`

	// msgTranscript
	RoundID       string `json:"round_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	Transcript    string `json:"transcript,omitempty"`

	// msgResult
	Result *match.TurnResult `json:"result,omitempty"`

	// msgPlay
	PlayID   uint64 `json:"play_id,omitempty"`
	Audio    []byte `json:"audio,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// msgStartCapture / msgStopCapture
	RecordID uint64 `json:"record_id,omitempty"`

	// msgMatchSummary
	Summary *match.Summary `json:"summary,omitempty"`
}

// decodeClient parses one inbound frame.
func decodeClient(data []byte) (*clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("server: decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("server: message has no type")
	}
	return &msg, nil
}
