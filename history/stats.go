package history

import (
	"context"

	"exam-prep-server/record"
)

// statsScanLimit bounds how much history feeds an aggregation pass.
const statsScanLimit = 1000

// TypeStats aggregates one exercise type's attempts.
type TypeStats struct {
	Count                int     `json:"count"`
	TotalDurationSeconds int     `json:"total_duration_seconds"`
	AverageScorePct      float64 `json:"average_score_pct"`
	scoreSamples         int
	scoreSum             float64
}

// Stats is the aggregated view over a user's merged history.
type Stats struct {
	TotalSessions int                  `json:"total_sessions"`
	ByType        map[string]TypeStats `json:"by_type"`
}

// Stats aggregates the merged history (both stores) per exercise type, so
// fallback-only data counts toward the user's progress view.
func (a *Adapter) Stats(ctx context.Context, userID string) (Stats, error) {
	records, err := a.LoadHistory(ctx, userID, "", statsScanLimit, 0)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByType: make(map[string]TypeStats)}
	for _, rec := range records {
		stats.TotalSessions++
		ts := stats.ByType[rec.CanonicalType]
		ts.Count++
		ts.TotalDurationSeconds += rec.DurationSeconds
		for _, s := range rec.Scores {
			ts.scoreSum += s.Percentage()
			ts.scoreSamples++
		}
		if ts.scoreSamples > 0 {
			ts.AverageScorePct = ts.scoreSum / float64(ts.scoreSamples)
		}
		stats.ByType[rec.CanonicalType] = ts
	}
	return stats, nil
}

// RecentThemes returns the newest distinct theme/question inputs for a type,
// used by the exercise pages to avoid repeating themes.
func (a *Adapter) RecentThemes(ctx context.Context, userID, rawType string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	records, err := a.LoadHistoryByType(ctx, userID, rawType, limit*2)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var themes []string
	for _, rec := range records {
		theme := themeOf(rec)
		if theme == "" {
			continue
		}
		if _, dup := seen[theme]; dup {
			continue
		}
		seen[theme] = struct{}{}
		themes = append(themes, theme)
		if len(themes) >= limit {
			break
		}
	}
	return themes, nil
}

func themeOf(rec record.PracticeRecord) string {
	for _, label := range []string{"theme", "question"} {
		for _, in := range rec.Inputs {
			if in.Label == label && in.Content != "" {
				return in.Content
			}
		}
	}
	return ""
}
