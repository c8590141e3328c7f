// Package registry owns the process-wide lobby map. It only synchronizes
// creation, lookup and removal; session-internal state is never touched
// here. The registry is constructed explicitly at process start and
// injected wherever lobbies are resolved.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-lobby-service/internal/domain"
	"quiz-lobby-service/internal/scoring"
	"quiz-lobby-service/internal/session"
)

// QuizRepository loads quiz content (from cache/backing store), read-only.
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Liveness lets an external store (Redis) mirror which lobbies are live,
// e.g. for discovery or ops tooling. Best-effort; nil disables it.
type Liveness interface {
	MarkLive(ctx context.Context, lobbyID string)
	ClearLive(ctx context.Context, lobbyID string)
}

// Options tunes session construction. Zero values take defaults.
type Options struct {
	Clock           clockwork.Clock
	Score           scoring.Func
	Liveness        Liveness
	DisconnectGrace time.Duration
	EndGrace        time.Duration
}

const (
	defaultDisconnectGrace = 30 * time.Second
	defaultEndGrace        = 60 * time.Second
	defaultCorrectPoints   = 100
)

// Registry maps lobby ids to running sessions.
type Registry struct {
	quizzes QuizRepository
	out     session.Broadcaster
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New builds an empty registry.
func New(quizzes QuizRepository, out session.Broadcaster, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Score == nil {
		opts.Score = scoring.FlatPoints(defaultCorrectPoints)
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = defaultDisconnectGrace
	}
	if opts.EndGrace <= 0 {
		opts.EndGrace = defaultEndGrace
	}
	return &Registry{
		quizzes:  quizzes,
		out:      out,
		opts:     opts,
		sessions: make(map[string]*session.Session),
	}
}

// Create validates the lobby config, loads the quiz content once, and
// starts a new session. It returns the session and the host key that
// authorizes host rebinds.
func (r *Registry) Create(ctx context.Context, quizID string, cfg domain.LobbyConfig) (*session.Session, string, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, "", err
	}

	quiz, err := r.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, "", err
	}

	lobbyID := uuid.NewString()
	hostKey := uuid.NewString()

	sess := session.New(session.Config{
		Lobby: domain.Lobby{
			ID:        lobbyID,
			QuizID:    quiz.ID,
			Config:    cfg,
			CreatedAt: r.opts.Clock.Now(),
		},
		Quiz:            quiz,
		HostKey:         hostKey,
		Clock:           r.opts.Clock,
		Score:           r.opts.Score,
		Out:             r.out,
		DisconnectGrace: r.opts.DisconnectGrace,
		EndGrace:        r.opts.EndGrace,
		OnTerminated:    r.drop,
	})

	r.mu.Lock()
	r.sessions[lobbyID] = sess
	r.mu.Unlock()

	go sess.Run()
	if r.opts.Liveness != nil {
		r.opts.Liveness.MarkLive(ctx, lobbyID)
	}

	log.Info().
		Str("lobby_id", lobbyID).
		Str("quiz_id", quiz.ID).
		Int("max_players", cfg.MaxPlayers).
		Dur("question_duration", cfg.QuestionDuration).
		Msg("lobby created")

	return sess, hostKey, nil
}

// Get resolves a lobby id to its session.
func (r *Registry) Get(lobbyID string) (*session.Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[lobbyID]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrLobbyNotFound
	}
	return sess, nil
}

// Remove drops a lobby and stops its session. Idempotent.
func (r *Registry) Remove(lobbyID string) {
	r.mu.Lock()
	sess, ok := r.sessions[lobbyID]
	delete(r.sessions, lobbyID)
	r.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	if r.opts.Liveness != nil {
		r.opts.Liveness.ClearLive(context.Background(), lobbyID)
	}
	log.Info().Str("lobby_id", lobbyID).Msg("lobby removed")
}

// Len reports how many lobbies are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// drop is the session termination callback; the session run loop has
// already exited when it fires.
func (r *Registry) drop(lobbyID string) {
	r.mu.Lock()
	_, ok := r.sessions[lobbyID]
	delete(r.sessions, lobbyID)
	r.mu.Unlock()
	if ok && r.opts.Liveness != nil {
		r.opts.Liveness.ClearLive(context.Background(), lobbyID)
	}
}

// normalizeConfig applies defaults for unset fields and rejects explicit
// out-of-range values.
func normalizeConfig(cfg domain.LobbyConfig) (domain.LobbyConfig, error) {
	if cfg.MaxPlayers == 0 {
		cfg.MaxPlayers = domain.DefaultMaxPlayers
	}
	if cfg.QuestionDuration == 0 {
		cfg.QuestionDuration = domain.DefaultQuestionDuration
	}
	if cfg.MaxPlayers < 1 || cfg.MaxPlayers > domain.MaxPlayersLimit {
		return domain.LobbyConfig{}, domain.ErrConfig
	}
	if cfg.QuestionDuration < time.Second || cfg.QuestionDuration > domain.MaxQuestionDuration {
		return domain.LobbyConfig{}, domain.ErrConfig
	}
	return cfg, nil
}
