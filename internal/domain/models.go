package domain

import "time"

// Phase is the session's position in the lobby state machine.
type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseQuestionActive Phase = "question_active"
	PhaseReveal         Phase = "reveal"
	PhaseRecap          Phase = "recap"
	PhaseEnd            Phase = "end"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool { return p == PhaseEnd }

// LobbyConfig bounds a single quiz run. Zero fields take defaults at creation.
type LobbyConfig struct {
	MaxPlayers       int           `json:"maxPlayers"`
	QuestionDuration time.Duration `json:"questionDuration"`
}

const (
	DefaultMaxPlayers       = 20
	MaxPlayersLimit         = 100
	DefaultQuestionDuration = 30 * time.Second
	MaxQuestionDuration     = 300 * time.Second
)

// Lobby is one hosted quiz run.
type Lobby struct {
	ID        string      `json:"id"`
	QuizID    string      `json:"quizId"`
	Config    LobbyConfig `json:"config"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Choice is a single answer option, addressed by its index within the question.
type Choice struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Question models an MCQ question with exactly one correct choice.
// Immutable for the lifetime of a session.
type Question struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	Choices      []Choice      `json:"choices"`
	CorrectIndex int           `json:"correctIndex"`
	AudioKey     string        `json:"audioKey,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"` // overrides the lobby default when set
}

// Quiz is the ordered, read-only question sequence for one run.
type Quiz struct {
	ID        string     `json:"id"`
	Questions []Question `json:"questions"`
}

// Participant is a viewer's durable identity within a lobby. The transport
// connection handle is tracked separately so a disconnect never discards
// score or answer history.
type Participant struct {
	ViewerID    string         `json:"viewerId"`
	DisplayName string         `json:"displayName"`
	Score       int            `json:"score"`
	Answers     map[string]int `json:"-"` // question id -> chosen index
	Connected   bool           `json:"connected"`
	Left        bool           `json:"-"`
}

// AnswerRecord captures one accepted submission.
type AnswerRecord struct {
	ViewerID    string
	QuestionID  string
	Choice      int
	SubmittedAt time.Time
	Correct     bool
}

// ChoiceCount is one entry of a per-question answer distribution.
type ChoiceCount struct {
	Choice int `json:"choice"`
	Count  int `json:"count"`
}

// ScoreEntry is a derived scoreboard row; never stored.
type ScoreEntry struct {
	ViewerID    string `json:"viewerId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
	Rank        int    `json:"rank"`
}
