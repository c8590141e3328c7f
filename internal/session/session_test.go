package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-lobby-service/internal/domain"
	"quiz-lobby-service/internal/event"
	"quiz-lobby-service/internal/scoring"
	"quiz-lobby-service/internal/session"
)

// capture records every broadcast so tests can assert on fan-out.
type capture struct {
	mu        sync.Mutex
	toViewers []event.Outbound
	toHost    []event.Outbound
	toViewer  map[string][]event.Outbound
}

func newCapture() *capture {
	return &capture{toViewer: make(map[string][]event.Outbound)}
}

func (c *capture) ToViewers(_ string, msg event.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toViewers = append(c.toViewers, msg)
}

func (c *capture) ToHost(_ string, msg event.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toHost = append(c.toHost, msg)
}

func (c *capture) ToViewer(_ string, viewerID string, msg event.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toViewer[viewerID] = append(c.toViewer[viewerID], msg)
}

func (c *capture) lastViewerBroadcast(t *testing.T, kind event.Kind) event.Outbound {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.toViewers) - 1; i >= 0; i-- {
		if c.toViewers[i].Kind == kind {
			return c.toViewers[i]
		}
	}
	t.Fatalf("no %s broadcast to viewers", kind)
	return event.Outbound{}
}

func (c *capture) lastHostEvent(t *testing.T, kind event.Kind) event.Outbound {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.toHost) - 1; i >= 0; i-- {
		if c.toHost[i].Kind == kind {
			return c.toHost[i]
		}
	}
	t.Fatalf("no %s event to host", kind)
	return event.Outbound{}
}

func twoQuestionQuiz() domain.Quiz {
	choices := []domain.Choice{
		{Index: 0, Text: "A"},
		{Index: 1, Text: "B"},
		{Index: 2, Text: "C"},
	}
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{ID: "q1", Text: "first", Choices: choices, CorrectIndex: 1},
			{ID: "q2", Text: "second", Choices: choices, CorrectIndex: 1},
		},
	}
}

type fixture struct {
	sess  *session.Session
	clock *clockwork.FakeClock
	out   *capture
	ended chan string
}

func newFixture(t *testing.T, quiz domain.Quiz, maxPlayers int) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	out := newCapture()
	ended := make(chan string, 1)
	sess := session.New(session.Config{
		Lobby: domain.Lobby{
			ID:     "lobby-1",
			QuizID: quiz.ID,
			Config: domain.LobbyConfig{
				MaxPlayers:       maxPlayers,
				QuestionDuration: 30 * time.Second,
			},
			CreatedAt: clock.Now(),
		},
		Quiz:            quiz,
		HostKey:         "host-key",
		Clock:           clock,
		Score:           scoring.FlatPoints(100),
		Out:             out,
		DisconnectGrace: 10 * time.Second,
		EndGrace:        5 * time.Second,
		OnTerminated:    func(id string) { ended <- id },
	})
	go sess.Run()
	return &fixture{sess: sess, clock: clock, out: out, ended: ended}
}

func waitForPhase(t *testing.T, sess *session.Session, want domain.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.Phase() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %s, at %s", want, sess.Phase())
}

func TestFullRunWithEarlyRevealAndForcedEnd(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), domain.DefaultMaxPlayers)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join v1: %v", err)
	}
	if _, err := f.sess.Join("v2", "Bob"); err != nil {
		t.Fatalf("join v2: %v", err)
	}
	if err := f.sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.sess.Phase(); got != domain.PhaseQuestionActive {
		t.Fatalf("expected question active, got %s", got)
	}

	f.clock.Advance(2 * time.Second)
	if err := f.sess.Answer("v1", 1); err != nil {
		t.Fatalf("answer v1: %v", err)
	}
	f.clock.Advance(3 * time.Second)
	if err := f.sess.Answer("v2", 0); err != nil {
		t.Fatalf("answer v2: %v", err)
	}

	// Everyone connected has answered well before the 30s timeout: the
	// reveal happens immediately, no clock advance needed.
	if got := f.sess.Phase(); got != domain.PhaseRecap {
		t.Fatalf("expected recap after full completion, got %s", got)
	}

	reveal := f.out.lastViewerBroadcast(t, event.KindAnswerReveal).Payload.(event.AnswerReveal)
	if reveal.CorrectIndex != 1 {
		t.Fatalf("expected correct index 1, got %d", reveal.CorrectIndex)
	}
	wantStats := []domain.ChoiceCount{{Choice: 0, Count: 1}, {Choice: 1, Count: 1}, {Choice: 2, Count: 0}}
	if len(reveal.Stats) != len(wantStats) {
		t.Fatalf("expected %d stat entries, got %d", len(wantStats), len(reveal.Stats))
	}
	for i := range wantStats {
		if reveal.Stats[i] != wantStats[i] {
			t.Fatalf("stat %d: expected %+v, got %+v", i, wantStats[i], reveal.Stats[i])
		}
	}

	recap := f.out.lastHostEvent(t, event.KindQuestionRecap).Payload.(event.QuestionRecap)
	if recap.Scoreboard[0].ViewerID != "v1" || recap.Scoreboard[0].Rank != 1 {
		t.Fatalf("expected v1 leading, got %+v", recap.Scoreboard[0])
	}
	if recap.Scoreboard[1].ViewerID != "v2" || recap.Scoreboard[1].Rank != 2 {
		t.Fatalf("expected v2 second, got %+v", recap.Scoreboard[1])
	}

	update := f.out.toViewer["v1"][len(f.out.toViewer["v1"])-1].Payload.(event.ScoreUpdate)
	if update.Score != 100 || update.Rank != 1 {
		t.Fatalf("expected v1 score update 100/rank 1, got %+v", update)
	}

	if err := f.sess.Next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	started := f.out.lastViewerBroadcast(t, event.KindQuestionStarted).Payload.(event.QuestionStarted)
	if started.QuestionID != "q2" || started.Index != 1 {
		t.Fatalf("expected question 2 active, got %+v", started)
	}

	// Host ends mid-question: final results carry only question-1 scores.
	if err := f.sess.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	final := f.out.lastViewerBroadcast(t, event.KindEnd).Payload.(event.FinalResults)
	if len(final.Scoreboard) != 2 {
		t.Fatalf("expected both viewers in final results, got %d", len(final.Scoreboard))
	}
	if final.Scoreboard[0].ViewerID != "v1" || final.Scoreboard[0].Score != 100 {
		t.Fatalf("expected v1 with 100, got %+v", final.Scoreboard[0])
	}
	if final.Scoreboard[1].ViewerID != "v2" || final.Scoreboard[1].Score != 0 {
		t.Fatalf("expected v2 with 0, got %+v", final.Scoreboard[1])
	}
}

func TestStartRequiresQuestions(t *testing.T) {
	f := newFixture(t, domain.Quiz{ID: "empty"}, 10)

	if err := f.sess.Start(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := f.sess.Phase(); got != domain.PhaseLobby {
		t.Fatalf("phase should be unchanged, got %s", got)
	}
}

func TestTimerExpiryRevealsQuestion(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 10)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.sess.Join("v2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sess.Answer("v1", 1); err != nil {
		t.Fatalf("answer: %v", err)
	}

	f.clock.Advance(30 * time.Second)
	waitForPhase(t, f.sess, domain.PhaseRecap)

	// v2 never answered; a submission now is late and changes nothing.
	if err := f.sess.Answer("v2", 1); !errors.Is(err, domain.ErrLateAnswer) {
		t.Fatalf("expected late answer, got %v", err)
	}
	board := f.sess.Scoreboard()
	for _, e := range board {
		if e.ViewerID == "v2" && e.Score != 0 {
			t.Fatalf("late answer must not score, got %+v", e)
		}
	}
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 10)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.sess.Join("v2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.sess.Answer("v1", 1); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if err := f.sess.Answer("v1", 0); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected duplicate answer, got %v", err)
	}

	board := f.sess.Scoreboard()
	for _, e := range board {
		if e.ViewerID == "v1" && e.Score != 100 {
			t.Fatalf("duplicate must not change score, got %+v", e)
		}
	}
}

func TestAnswerValidation(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 10)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.sess.Answer("v1", 1); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("answer before start: expected invalid transition, got %v", err)
	}
	if err := f.sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sess.Answer("v1", 9); !errors.Is(err, domain.ErrChoiceOutOfRange) {
		t.Fatalf("expected choice out of range, got %v", err)
	}
	if err := f.sess.Answer("ghost", 1); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown viewer, got %v", err)
	}
	if err := f.sess.Next(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("next during question: expected invalid transition, got %v", err)
	}
}

func TestJoinOverCapacityFails(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 1)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.sess.Join("v2", "Bob"); !errors.Is(err, domain.ErrLobbyFull) {
		t.Fatalf("expected lobby full, got %v", err)
	}
	if got := len(f.sess.Scoreboard()); got != 1 {
		t.Fatalf("roster size should be unchanged, got %d", got)
	}

	// Rebinding an existing identity is not a capacity event.
	joined, err := f.sess.Join("v1", "")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !joined.Reconnected {
		t.Fatalf("expected reconnect for existing identity")
	}
}

func TestRejoinAfterLeaveChecksCapacity(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 1)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	f.sess.Leave("v1")
	// Leave is fire-and-forget; a serialized read guarantees the slot is
	// released before the next join.
	_ = f.sess.Phase()
	if _, err := f.sess.Join("v2", "Bob"); err != nil {
		t.Fatalf("join into freed slot: %v", err)
	}

	// v1's slot is taken: re-entering the roster must fail, and the active
	// roster must stay at capacity.
	if _, err := f.sess.Join("v1", "Alice"); !errors.Is(err, domain.ErrLobbyFull) {
		t.Fatalf("expected lobby full on rejoin over capacity, got %v", err)
	}
	if err := f.sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sess.Answer("v1", 1); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("rejected rejoin must stay left, got %v", err)
	}
}

func TestReconnectWithinGraceKeepsScoreAndHistory(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 10)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.sess.Join("v2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sess.Answer("v1", 1); err != nil {
		t.Fatalf("answer: %v", err)
	}

	f.sess.Disconnect("v1")
	// Disconnect is fire-and-forget; a serialized read guarantees the grace
	// timer is armed before the clock moves.
	_ = f.sess.Phase()
	f.clock.Advance(5 * time.Second) // inside the 10s grace

	joined, err := f.sess.Join("v1", "Alice")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !joined.Reconnected || joined.Score != 100 {
		t.Fatalf("expected rebind with prior score, got %+v", joined)
	}
	// History intact: the question-1 answer still counts as recorded.
	if err := f.sess.Answer("v1", 0); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected duplicate after reconnect, got %v", err)
	}
}

func TestDisconnectedPlayerDoesNotBlockReveal(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 10)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.sess.Join("v2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.sess.Answer("v1", 1); err != nil {
		t.Fatalf("answer: %v", err)
	}

	// v2 drops; completion is judged over connected players only, so v1's
	// answer already closes the question.
	f.sess.Disconnect("v2")
	waitForPhase(t, f.sess, domain.PhaseRecap)

	// v2's identity and zero score survive in the standings.
	board := f.sess.Scoreboard()
	if len(board) != 2 {
		t.Fatalf("history should be retained, got %d entries", len(board))
	}
}

func TestDisconnectGraceExpiryFreesRosterSlot(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 2)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.sess.Join("v2", "Bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// A disconnected player holds its slot through the grace window.
	f.sess.Disconnect("v2")
	// Disconnect is fire-and-forget; a serialized read guarantees the grace
	// timer is armed before the clock moves.
	_ = f.sess.Phase()
	if _, err := f.sess.Join("v3", "Cara"); !errors.Is(err, domain.ErrLobbyFull) {
		t.Fatalf("expected lobby full during grace, got %v", err)
	}

	f.clock.Advance(10 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.sess.Join("v3", "Cara"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never freed after grace expiry")
		}
		time.Sleep(time.Millisecond)
	}

	// v2's identity and score survive leave; only the slot is released.
	board := f.sess.Scoreboard()
	if len(board) != 3 {
		t.Fatalf("expected all identities retained, got %d entries", len(board))
	}
}

func TestEndGracePurgesSession(t *testing.T) {
	f := newFixture(t, twoQuestionQuiz(), 10)

	if _, err := f.sess.Join("v1", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := f.sess.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := f.sess.End(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("end is terminal, expected invalid transition, got %v", err)
	}

	f.clock.Advance(5 * time.Second)
	select {
	case id := <-f.ended:
		if id != "lobby-1" {
			t.Fatalf("unexpected lobby id %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected termination callback after end grace")
	}

	if err := f.sess.Start(); !errors.Is(err, domain.ErrLobbyNotFound) {
		t.Fatalf("expected lobby gone after purge, got %v", err)
	}
}
