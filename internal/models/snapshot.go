package models

import "time"

// Snapshot is the result of one refresh: the aligned chart and the ranked leaderboard.
type Snapshot struct {
	ID          string            `json:"id"`
	TakenAt     time.Time         `json:"takenAt"`
	Series      []string          `json:"series"`
	Records     []MergedRecord    `json:"rows"`
	Leaderboard []AccuracySummary `json:"leaderboard"`
	Best        BestModel         `json:"best"`
	HasBest     bool              `json:"hasBest"`
}

// SnapshotSummary is the stored history entry of a snapshot, without chart rows.
type SnapshotSummary struct {
	ID          string    `json:"id"`
	TakenAt     time.Time `json:"takenAt"`
	RecordCount int       `json:"recordCount"`
	BestSource  string    `json:"bestSource,omitempty"`
	BestMAE     float64   `json:"bestMae,omitempty"`
	HasBest     bool      `json:"hasBest"`
}

// Summary returns the history entry for s.
func (s *Snapshot) Summary() SnapshotSummary {
	sum := SnapshotSummary{
		ID:          s.ID,
		TakenAt:     s.TakenAt,
		RecordCount: len(s.Records),
		HasBest:     s.HasBest,
	}
	if s.HasBest {
		sum.BestSource = s.Best.Source
		sum.BestMAE = s.Best.MAE
	}
	return sum
}
