package session

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-lobby-service/internal/domain"
	"quiz-lobby-service/internal/event"
	"quiz-lobby-service/internal/scoring"
)

type nopBroadcaster struct{}

func (nopBroadcaster) ToViewers(string, event.Outbound)        {}
func (nopBroadcaster) ToHost(string, event.Outbound)           {}
func (nopBroadcaster) ToViewer(string, string, event.Outbound) {}

// White-box: drives handlers directly to exercise the token check without
// depending on a real cancellation race.
func TestStaleTimerTokenProducesNoStateChange(t *testing.T) {
	s := New(Config{
		Lobby: domain.Lobby{
			ID:     "lobby-1",
			QuizID: "quiz-1",
			Config: domain.LobbyConfig{MaxPlayers: 10, QuestionDuration: 30 * time.Second},
		},
		Quiz: domain.Quiz{
			ID: "quiz-1",
			Questions: []domain.Question{
				{ID: "q1", Choices: []domain.Choice{{Index: 0}, {Index: 1}}, CorrectIndex: 1},
				{ID: "q2", Choices: []domain.Choice{{Index: 0}, {Index: 1}}, CorrectIndex: 0},
			},
		},
		Clock:           clockwork.NewFakeClock(),
		Score:           scoring.FlatPoints(100),
		Out:             nopBroadcaster{},
		DisconnectGrace: 10 * time.Second,
		EndGrace:        time.Minute,
	})

	if err := s.handleStart(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.phase != domain.PhaseQuestionActive || s.qIndex != 0 {
		t.Fatalf("expected question 0 active, got phase=%s index=%d", s.phase, s.qIndex)
	}

	// Firing tagged for a question we never reached: dropped.
	s.handleQuestionExpired(5)
	if s.phase != domain.PhaseQuestionActive {
		t.Fatalf("stale firing changed phase to %s", s.phase)
	}

	// Matching token closes the question.
	s.handleQuestionExpired(0)
	if s.phase != domain.PhaseRecap {
		t.Fatalf("expected recap after matching firing, got %s", s.phase)
	}

	if err := s.handleNext(); err != nil {
		t.Fatalf("next: %v", err)
	}
	if s.phase != domain.PhaseQuestionActive || s.qIndex != 1 {
		t.Fatalf("expected question 1 active, got phase=%s index=%d", s.phase, s.qIndex)
	}

	// A late firing for the previous question arrives after advancing: no-op.
	s.handleQuestionExpired(0)
	if s.phase != domain.PhaseQuestionActive || s.qIndex != 1 {
		t.Fatalf("stale firing for earlier question changed state: phase=%s index=%d", s.phase, s.qIndex)
	}
}
