// Package session implements the per-lobby state machine. Every event
// addressed to a lobby (join, start, answer, leave, next, end, reconnect,
// timer expiry) funnels through a single run goroutine, so phase
// transitions, answer recording and score mutation never race. Timers are
// plain message producers into the same inbox; stale firings are discarded
// by question-index token matching rather than by locking.
package session

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-lobby-service/internal/domain"
	"quiz-lobby-service/internal/event"
	"quiz-lobby-service/internal/scoring"
)

// Broadcaster fans completed events out to the audiences a direction names.
type Broadcaster interface {
	ToViewers(lobbyID string, msg event.Outbound)
	ToHost(lobbyID string, msg event.Outbound)
	ToViewer(lobbyID, viewerID string, msg event.Outbound)
}

// topEntries bounds the scoreboard slice attached to score updates.
const topEntries = 5

// Config wires a session's collaborators.
type Config struct {
	Lobby           domain.Lobby
	Quiz            domain.Quiz
	HostKey         string
	Clock           clockwork.Clock
	Score           scoring.Func
	Out             Broadcaster
	DisconnectGrace time.Duration
	EndGrace        time.Duration
	// OnTerminated runs after the end grace window (or Close) so the
	// registry can drop the lobby.
	OnTerminated func(lobbyID string)
}

// Session is the running state machine for one lobby.
type Session struct {
	lobby   domain.Lobby
	quiz    domain.Quiz
	hostKey string
	clock   clockwork.Clock
	score   scoring.Func
	out     Broadcaster

	disconnectGrace time.Duration
	endGrace        time.Duration
	onTerminated    func(string)

	inbox chan cmd
	quit  chan struct{}

	// State below is owned exclusively by the run goroutine.
	phase        domain.Phase
	qIndex       int
	participants map[string]*domain.Participant
	records      []domain.AnswerRecord
	gens         map[string]int // participant binding generation, guards stale grace firings
	openedAt     time.Time
	openFor      time.Duration
	timer        clockwork.Timer
}

// Commands delivered to the run loop. One case per inbound event, plus the
// internal timer firings.
type cmd interface{}

type joinCmd struct {
	viewerID, name string
	reply          chan joinReply
}

type joinReply struct {
	joined event.Joined
	err    error
}

type startCmd struct{ reply chan error }
type answerCmd struct {
	viewerID string
	choice   int
	reply    chan error
}
type nextCmd struct{ reply chan error }
type endCmd struct {
	reason string
	reply  chan error
}
type leaveCmd struct{ viewerID string }
type disconnectCmd struct{ viewerID string }
type phaseCmd struct{ reply chan domain.Phase }
type boardCmd struct{ reply chan []domain.ScoreEntry }
type questionExpiredCmd struct{ questionIndex int }
type graceExpiredCmd struct {
	viewerID string
	gen      int
}
type endGraceCmd struct{}
type closeCmd struct{}

// New builds a session in the initial Lobby phase. The caller starts the
// run loop with go Run().
func New(cfg Config) *Session {
	return &Session{
		lobby:           cfg.Lobby,
		quiz:            cfg.Quiz,
		hostKey:         cfg.HostKey,
		clock:           cfg.Clock,
		score:           cfg.Score,
		out:             cfg.Out,
		disconnectGrace: cfg.DisconnectGrace,
		endGrace:        cfg.EndGrace,
		onTerminated:    cfg.OnTerminated,
		inbox:           make(chan cmd),
		quit:            make(chan struct{}),
		phase:           domain.PhaseLobby,
		participants:    make(map[string]*domain.Participant),
		gens:            make(map[string]int),
	}
}

// ID returns the lobby identifier.
func (s *Session) ID() string { return s.lobby.ID }

// QuizID returns the content identifier backing this run.
func (s *Session) QuizID() string { return s.lobby.QuizID }

// HostKeyMatches authorizes a host rebind.
func (s *Session) HostKeyMatches(key string) bool { return key != "" && key == s.hostKey }

// LobbyConfig returns the normalized creation config. Immutable after New.
func (s *Session) LobbyConfig() domain.LobbyConfig { return s.lobby.Config }

// Run consumes the inbox until the session terminates. Events are handled
// strictly one at a time in arrival order.
func (s *Session) Run() {
	for {
		c := <-s.inbox
		if done := s.handle(c); done {
			break
		}
	}
	close(s.quit)
	if s.onTerminated != nil {
		s.onTerminated(s.lobby.ID)
	}
}

func (s *Session) handle(c cmd) (done bool) {
	switch c := c.(type) {
	case joinCmd:
		joined, err := s.handleJoin(c.viewerID, c.name)
		c.reply <- joinReply{joined: joined, err: err}
	case startCmd:
		c.reply <- s.handleStart()
	case answerCmd:
		c.reply <- s.handleAnswer(c.viewerID, c.choice)
	case nextCmd:
		c.reply <- s.handleNext()
	case endCmd:
		c.reply <- s.handleEnd(c.reason)
	case leaveCmd:
		s.handleLeave(c.viewerID)
	case disconnectCmd:
		s.handleDisconnect(c.viewerID)
	case questionExpiredCmd:
		s.handleQuestionExpired(c.questionIndex)
	case graceExpiredCmd:
		s.handleGraceExpired(c.viewerID, c.gen)
	case phaseCmd:
		c.reply <- s.phase
	case boardCmd:
		c.reply <- scoring.Scoreboard(s.participants)
	case endGraceCmd, closeCmd:
		return true
	}
	return false
}

// post delivers a command unless the session has already terminated.
func (s *Session) post(c cmd) bool {
	select {
	case s.inbox <- c:
		return true
	case <-s.quit:
		return false
	}
}

// Join registers a new participant or rebinds an existing identity. Score
// and answer history survive rebinds untouched.
func (s *Session) Join(viewerID, displayName string) (event.Joined, error) {
	reply := make(chan joinReply, 1)
	if !s.post(joinCmd{viewerID: viewerID, name: displayName, reply: reply}) {
		return event.Joined{}, domain.ErrLobbyNotFound
	}
	r := <-reply
	return r.joined, r.err
}

// Start moves Lobby -> QuestionActive[0]. Host-origin.
func (s *Session) Start() error {
	reply := make(chan error, 1)
	if !s.post(startCmd{reply: reply}) {
		return domain.ErrLobbyNotFound
	}
	return <-reply
}

// Answer records a viewer's choice for the active question.
func (s *Session) Answer(viewerID string, choice int) error {
	reply := make(chan error, 1)
	if !s.post(answerCmd{viewerID: viewerID, choice: choice, reply: reply}) {
		return domain.ErrLobbyNotFound
	}
	return <-reply
}

// Next advances Recap -> QuestionActive[i+1], or ends the run after the
// last question. Host-origin.
func (s *Session) Next() error {
	reply := make(chan error, 1)
	if !s.post(nextCmd{reply: reply}) {
		return domain.ErrLobbyNotFound
	}
	return <-reply
}

// End forces the terminal phase from any non-terminal state and broadcasts
// the final scoreboard. Host-origin.
func (s *Session) End() error {
	reply := make(chan error, 1)
	if !s.post(endCmd{reply: reply}) {
		return domain.ErrLobbyNotFound
	}
	return <-reply
}

// Leave removes a viewer from the active roster; recorded answers and
// score are retained.
func (s *Session) Leave(viewerID string) {
	s.post(leaveCmd{viewerID: viewerID})
}

// Disconnect marks a viewer's connection lost and starts the grace window.
// Without a rebind before expiry, leave semantics apply.
func (s *Session) Disconnect(viewerID string) {
	s.post(disconnectCmd{viewerID: viewerID})
}

// Close stops the run loop immediately. Idempotent.
func (s *Session) Close() {
	s.post(closeCmd{})
}

// Phase reports the current phase, serialized with event handling.
func (s *Session) Phase() domain.Phase {
	reply := make(chan domain.Phase, 1)
	if !s.post(phaseCmd{reply: reply}) {
		return domain.PhaseEnd
	}
	return <-reply
}

// Scoreboard returns the current ranked standings.
func (s *Session) Scoreboard() []domain.ScoreEntry {
	reply := make(chan []domain.ScoreEntry, 1)
	if !s.post(boardCmd{reply: reply}) {
		return nil
	}
	return <-reply
}

// --- run-loop handlers; all state mutation happens below ---

func (s *Session) handleJoin(viewerID, displayName string) (event.Joined, error) {
	// Rebinding an existing identity is allowed in any phase, including the
	// post-end grace window; only fresh joins are phase-gated.
	p, reconnected := s.participants[viewerID]
	if !reconnected && s.phase.Terminal() {
		return event.Joined{}, domain.ErrInvalidTransition
	}

	if reconnected {
		// Re-entering the roster after leave consumes a slot like a fresh
		// join; only a pure connection rebind bypasses the capacity check.
		if p.Left && s.activeRoster() >= s.lobby.Config.MaxPlayers {
			return event.Joined{}, domain.ErrLobbyFull
		}
		p.Connected = true
		p.Left = false
		if displayName != "" {
			p.DisplayName = displayName
		}
		s.gens[viewerID]++
	} else {
		if s.activeRoster() >= s.lobby.Config.MaxPlayers {
			return event.Joined{}, domain.ErrLobbyFull
		}
		p = &domain.Participant{
			ViewerID:    viewerID,
			DisplayName: displayName,
			Answers:     make(map[string]int),
			Connected:   true,
		}
		s.participants[viewerID] = p
	}

	s.out.ToHost(s.lobby.ID, event.Outbound{Kind: event.KindJoinNotice, Payload: event.JoinNotice{
		ViewerID:    p.ViewerID,
		DisplayName: p.DisplayName,
		Score:       p.Score,
		Reconnected: reconnected,
		RosterSize:  s.activeRoster(),
	}})

	log.Info().
		Str("lobby_id", s.lobby.ID).
		Str("viewer_id", viewerID).
		Bool("reconnected", reconnected).
		Msg("participant joined")

	return event.Joined{
		LobbyID:     s.lobby.ID,
		ViewerID:    p.ViewerID,
		DisplayName: p.DisplayName,
		Score:       p.Score,
		Reconnected: reconnected,
	}, nil
}

func (s *Session) handleStart() error {
	if s.phase != domain.PhaseLobby || len(s.quiz.Questions) == 0 {
		return domain.ErrInvalidTransition
	}
	s.beginQuestion(0)
	return nil
}

func (s *Session) handleAnswer(viewerID string, choice int) error {
	switch s.phase {
	case domain.PhaseQuestionActive:
	case domain.PhaseReveal, domain.PhaseRecap:
		return domain.ErrLateAnswer
	default:
		return domain.ErrInvalidTransition
	}

	p, ok := s.participants[viewerID]
	if !ok || p.Left {
		return domain.ErrUnauthorized
	}

	q := s.quiz.Questions[s.qIndex]
	if _, dup := p.Answers[q.ID]; dup {
		return domain.ErrDuplicateAnswer
	}
	if choice < 0 || choice >= len(q.Choices) {
		return domain.ErrChoiceOutOfRange
	}

	now := s.clock.Now()
	elapsedFrac := float64(now.Sub(s.openedAt)) / float64(s.openFor)
	correct := choice == q.CorrectIndex
	awarded := s.score(correct, elapsedFrac)

	p.Answers[q.ID] = choice
	p.Score += awarded
	s.records = append(s.records, domain.AnswerRecord{
		ViewerID:    viewerID,
		QuestionID:  q.ID,
		Choice:      choice,
		SubmittedAt: now,
		Correct:     correct,
	})

	s.maybeReveal()
	return nil
}

func (s *Session) handleLeave(viewerID string) {
	p, ok := s.participants[viewerID]
	if !ok || p.Left {
		return
	}
	p.Left = true
	p.Connected = false
	s.gens[viewerID]++
	log.Info().Str("lobby_id", s.lobby.ID).Str("viewer_id", viewerID).Msg("participant left")
	s.maybeReveal()
}

func (s *Session) handleDisconnect(viewerID string) {
	p, ok := s.participants[viewerID]
	if !ok || p.Left || !p.Connected {
		return
	}
	p.Connected = false
	s.gens[viewerID]++
	s.armGraceTimer(viewerID, s.gens[viewerID])
	s.maybeReveal()
}

func (s *Session) handleGraceExpired(viewerID string, gen int) {
	p, ok := s.participants[viewerID]
	if !ok || p.Left || p.Connected || s.gens[viewerID] != gen {
		return
	}
	log.Info().Str("lobby_id", s.lobby.ID).Str("viewer_id", viewerID).Msg("disconnect grace expired")
	s.handleLeave(viewerID)
}

func (s *Session) handleNext() error {
	if s.phase != domain.PhaseRecap {
		return domain.ErrInvalidTransition
	}
	if s.qIndex+1 < len(s.quiz.Questions) {
		s.beginQuestion(s.qIndex + 1)
		return nil
	}
	s.finish("")
	return nil
}

func (s *Session) handleEnd(reason string) error {
	if s.phase.Terminal() {
		return domain.ErrInvalidTransition
	}
	s.finish(reason)
	return nil
}

func (s *Session) handleQuestionExpired(questionIndex int) {
	// Best-effort cancellation means a stale firing is expected; the token
	// must match the current question and phase or the event is dropped.
	if s.phase != domain.PhaseQuestionActive || questionIndex != s.qIndex {
		log.Debug().
			Str("lobby_id", s.lobby.ID).
			Int("fired_for", questionIndex).
			Int("current", s.qIndex).
			Msg("dropping stale question timer")
		return
	}
	s.reveal()
}

func (s *Session) beginQuestion(index int) {
	if index >= len(s.quiz.Questions) {
		// Content and index are fixed at creation, so this indicates the
		// quiz backing the run is gone or inconsistent. Abort cleanly
		// instead of wedging in a half-open phase.
		s.finish("quiz content unavailable")
		return
	}
	q := s.quiz.Questions[index]
	s.qIndex = index
	s.phase = domain.PhaseQuestionActive
	s.openedAt = s.clock.Now()
	s.openFor = q.Duration
	if s.openFor <= 0 {
		s.openFor = s.lobby.Config.QuestionDuration
	}

	started := event.Outbound{Kind: event.KindQuestionStarted, Payload: event.QuestionStarted{
		QuestionID: q.ID,
		Index:      index,
		Text:       q.Text,
		Choices:    q.Choices,
		AudioKey:   q.AudioKey,
		DurationMS: s.openFor.Milliseconds(),
	}}
	s.out.ToViewers(s.lobby.ID, started)
	s.out.ToHost(s.lobby.ID, started)

	s.armQuestionTimer(index, s.openFor)

	log.Info().
		Str("lobby_id", s.lobby.ID).
		Str("question_id", q.ID).
		Int("index", index).
		Dur("duration", s.openFor).
		Msg("question active")
}

// maybeReveal closes the question early once every currently-connected
// participant has answered.
func (s *Session) maybeReveal() {
	if s.phase != domain.PhaseQuestionActive {
		return
	}
	q := s.quiz.Questions[s.qIndex]
	connected := 0
	for _, p := range s.participants {
		if p.Left || !p.Connected {
			continue
		}
		connected++
		if _, answered := p.Answers[q.ID]; !answered {
			return
		}
	}
	if connected == 0 {
		return
	}
	s.cancelQuestionTimer()
	s.reveal()
}

// reveal computes the answer distribution, then immediately rolls into the
// recap with the refreshed scoreboard.
func (s *Session) reveal() {
	q := s.quiz.Questions[s.qIndex]
	s.phase = domain.PhaseReveal

	stats := scoring.Stats(q, s.records)
	revealMsg := event.Outbound{Kind: event.KindAnswerReveal, Payload: event.AnswerReveal{
		QuestionID:   q.ID,
		CorrectIndex: q.CorrectIndex,
		Stats:        stats,
	}}
	s.out.ToViewers(s.lobby.ID, revealMsg)
	s.out.ToHost(s.lobby.ID, revealMsg)

	s.phase = domain.PhaseRecap
	board := scoring.Scoreboard(s.participants)
	s.out.ToHost(s.lobby.ID, event.Outbound{Kind: event.KindQuestionRecap, Payload: event.QuestionRecap{
		QuestionID:   q.ID,
		CorrectIndex: q.CorrectIndex,
		Stats:        stats,
		Scoreboard:   board,
	}})
	top := scoring.Top(board, topEntries)
	for _, entry := range board {
		p := s.participants[entry.ViewerID]
		if p == nil || p.Left || !p.Connected {
			continue
		}
		s.out.ToViewer(s.lobby.ID, entry.ViewerID, event.Outbound{Kind: event.KindScoreUpdate, Payload: event.ScoreUpdate{
			ViewerID: entry.ViewerID,
			Score:    entry.Score,
			Rank:     entry.Rank,
			Top:      top,
		}})
	}

	log.Info().
		Str("lobby_id", s.lobby.ID).
		Str("question_id", q.ID).
		Msg("question revealed")
}

func (s *Session) finish(reason string) {
	s.cancelQuestionTimer()
	s.phase = domain.PhaseEnd

	final := event.Outbound{Kind: event.KindEnd, Payload: event.FinalResults{
		LobbyID:    s.lobby.ID,
		Scoreboard: scoring.Scoreboard(s.participants),
		Reason:     reason,
	}}
	s.out.ToViewers(s.lobby.ID, final)
	s.out.ToHost(s.lobby.ID, final)

	s.armEndGraceTimer()

	log.Info().Str("lobby_id", s.lobby.ID).Str("reason", reason).Msg("session ended")
}

func (s *Session) activeRoster() int {
	n := 0
	for _, p := range s.participants {
		if !p.Left {
			n++
		}
	}
	return n
}
