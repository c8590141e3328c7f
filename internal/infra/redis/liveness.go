package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// LivenessStore mirrors live lobby ids into Redis so external tooling can
// discover active runs. Markers are best-effort: the in-process registry
// remains the source of truth and a write failure never blocks a lobby.
type LivenessStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLivenessStore(client *redis.Client, ttl time.Duration) *LivenessStore {
	return &LivenessStore{client: client, ttl: ttl}
}

func (s *LivenessStore) MarkLive(ctx context.Context, lobbyID string) {
	if err := s.client.Set(ctx, s.key(lobbyID), "1", s.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyID).Msg("liveness mark failed")
	}
}

func (s *LivenessStore) ClearLive(ctx context.Context, lobbyID string) {
	if err := s.client.Del(ctx, s.key(lobbyID)).Err(); err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyID).Msg("liveness clear failed")
	}
}

func (s *LivenessStore) key(lobbyID string) string {
	return "lobby:live:" + lobbyID
}
