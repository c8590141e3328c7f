// Package event defines the direction-tagged wire contract between hosts,
// viewers and the server. Every event has a discriminated kind; inbound
// kinds carry a declared origin role that the gateway checks before a
// session ever sees the event.
package event

import (
	"encoding/json"
	"fmt"

	"quiz-lobby-service/internal/domain"
)

// Kind discriminates event payloads.
type Kind string

const (
	// Client -> server.
	KindAnswer Kind = "answer"
	KindLeave  Kind = "leave"
	KindStart  Kind = "start"
	KindNext   Kind = "next"
	KindEnd    Kind = "end"

	// Server -> client.
	KindLobbyCreated    Kind = "lobby_created"
	KindJoined          Kind = "joined"
	KindJoinNotice      Kind = "join"
	KindQuestionStarted Kind = "question_started"
	KindAnswerReveal    Kind = "answer_reveal"
	KindQuestionRecap   Kind = "question_recap"
	KindScoreUpdate     Kind = "score_update"
	KindError           Kind = "error"
)

// Role identifies the sender side of a connection.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleHost   Role = "host"
)

// Origin returns the role allowed to send the given inbound kind.
// The second return is false for kinds that clients may not send at all.
func Origin(k Kind) (Role, bool) {
	switch k {
	case KindAnswer, KindLeave:
		return RoleViewer, true
	case KindStart, KindNext, KindEnd:
		return RoleHost, true
	default:
		return "", false
	}
}

// Envelope is the wire framing for every event.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound wraps a typed payload for JSON encoding, mirroring Envelope.
type Outbound struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload,omitempty"`
}

// AnswerPayload is the viewer's submission for the active question.
type AnswerPayload struct {
	ViewerID string `json:"viewerId"`
	Choice   int    `json:"choice"`
}

// LeavePayload removes a viewer from the active roster.
type LeavePayload struct {
	ViewerID string `json:"viewerId"`
}

// LobbyCreated acknowledges lobby creation to the host. The host key
// authorizes host reconnects; it is never sent to viewers.
type LobbyCreated struct {
	LobbyID string             `json:"lobbyId"`
	QuizID  string             `json:"quizId"`
	HostKey string             `json:"hostKey"`
	Config  domain.LobbyConfig `json:"config"`
}

// Joined acknowledges a viewer's own join/rejoin.
type Joined struct {
	LobbyID     string `json:"lobbyId"`
	ViewerID    string `json:"viewerId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
	Reconnected bool   `json:"reconnected"`
}

// JoinNotice tells the host a participant joined or rebound.
type JoinNotice struct {
	ViewerID    string `json:"viewerId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
	Reconnected bool   `json:"reconnected"`
	RosterSize  int    `json:"rosterSize"`
}

// QuestionStarted opens a question for answers. The correct index is
// deliberately absent.
type QuestionStarted struct {
	QuestionID string          `json:"questionId"`
	Index      int             `json:"index"`
	Text       string          `json:"text"`
	Choices    []domain.Choice `json:"choices"`
	AudioKey   string          `json:"audioKey,omitempty"`
	DurationMS int64           `json:"durationMs"`
}

// AnswerReveal discloses the correct choice and the answer distribution.
type AnswerReveal struct {
	QuestionID   string               `json:"questionId"`
	CorrectIndex int                  `json:"correctIndex"`
	Stats        []domain.ChoiceCount `json:"stats"`
}

// QuestionRecap is the host's post-reveal summary.
type QuestionRecap struct {
	QuestionID   string               `json:"questionId"`
	CorrectIndex int                  `json:"correctIndex"`
	Stats        []domain.ChoiceCount `json:"stats"`
	Scoreboard   []domain.ScoreEntry  `json:"scoreboard"`
}

// ScoreUpdate is a viewer's personal standing plus the leading entries.
type ScoreUpdate struct {
	ViewerID string              `json:"viewerId"`
	Score    int                 `json:"score"`
	Rank     int                 `json:"rank"`
	Top      []domain.ScoreEntry `json:"top"`
}

// FinalResults closes the run with the final scoreboard. It travels under
// KindEnd; direction disambiguates it from the host's end command.
type FinalResults struct {
	LobbyID    string              `json:"lobbyId"`
	Scoreboard []domain.ScoreEntry `json:"scoreboard"`
	Reason     string              `json:"reason,omitempty"`
}

// ErrorNotice reports a rejected event to its originating connection only.
type ErrorNotice struct {
	Message string `json:"message"`
}

// DecodeAnswer parses an answer payload out of an envelope.
func DecodeAnswer(env Envelope) (AnswerPayload, error) {
	var p AnswerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return AnswerPayload{}, fmt.Errorf("decode answer payload: %w", err)
	}
	return p, nil
}

// DecodeLeave parses a leave payload out of an envelope.
func DecodeLeave(env Envelope) (LeavePayload, error) {
	var p LeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return LeavePayload{}, fmt.Errorf("decode leave payload: %w", err)
	}
	return p, nil
}
