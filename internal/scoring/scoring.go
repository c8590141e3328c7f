// Package scoring holds the pure functions behind answer stats and the
// scoreboard. Nothing here touches session state; everything is computable
// from recorded answers alone.
package scoring

import (
	"sort"

	"quiz-lobby-service/internal/domain"
)

// Func awards points for one submission given correctness and how far into
// the question window the answer arrived (0 = instant, 1 = at the buzzer).
type Func func(correct bool, elapsedFrac float64) int

// FlatPoints awards a fixed value for a correct answer and zero otherwise,
// ignoring submission speed.
func FlatPoints(points int) Func {
	return func(correct bool, _ float64) int {
		if correct {
			return points
		}
		return 0
	}
}

// SpeedBonus awards base points for a correct answer plus a bonus that
// decays linearly with elapsed time. Kept for lobbies that want faster
// fingers to matter; not the default.
func SpeedBonus(base, bonus int) Func {
	return func(correct bool, elapsedFrac float64) int {
		if !correct {
			return 0
		}
		if elapsedFrac < 0 {
			elapsedFrac = 0
		}
		if elapsedFrac > 1 {
			elapsedFrac = 1
		}
		return base + int(float64(bonus)*(1-elapsedFrac))
	}
}

// Stats computes the per-choice answer distribution for one question.
// Every choice index appears, zero-filled when unchosen; counts sum to the
// number of records.
func Stats(question domain.Question, records []domain.AnswerRecord) []domain.ChoiceCount {
	counts := make([]domain.ChoiceCount, len(question.Choices))
	for i, c := range question.Choices {
		counts[i] = domain.ChoiceCount{Choice: c.Index}
	}
	byIndex := make(map[int]int, len(question.Choices))
	for i, c := range question.Choices {
		byIndex[c.Index] = i
	}
	for _, rec := range records {
		if rec.QuestionID != question.ID {
			continue
		}
		if i, ok := byIndex[rec.Choice]; ok {
			counts[i].Count++
		}
	}
	return counts
}

// Scoreboard ranks participants by score descending, ties broken by
// ascending viewer id. Ranks use standard competition ranking: equal scores
// share a rank and the next distinct score ranks below all of them.
func Scoreboard(participants map[string]*domain.Participant) []domain.ScoreEntry {
	entries := make([]domain.ScoreEntry, 0, len(participants))
	for _, p := range participants {
		entries = append(entries, domain.ScoreEntry{
			ViewerID:    p.ViewerID,
			DisplayName: p.DisplayName,
			Score:       p.Score,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].ViewerID < entries[j].ViewerID
	})
	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
		} else {
			entries[i].Rank = i + 1
		}
	}
	return entries
}

// Top returns the leading n entries of a scoreboard.
func Top(board []domain.ScoreEntry, n int) []domain.ScoreEntry {
	if len(board) <= n {
		return board
	}
	return board[:n]
}
