// Package leaderboard picks the most accurate forecast source from accuracy
// summaries that the backend returns sorted by MAE ascending.
package leaderboard

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/polytracker/internal/models"
)

// HighConfidenceMAE is the error, in degrees F, below which the best model is highlighted.
const HighConfidenceMAE = 2.0

// OrderingError reports summaries that are not sorted by MAE ascending.
type OrderingError struct {
	Index int // position of the first out-of-order summary
	Prev  models.AccuracySummary
	Next  models.AccuracySummary
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("accuracy summaries not sorted by mae: %s (%.4f) at %d follows %s (%.4f)",
		e.Next.Source, e.Next.MAE, e.Index, e.Prev.Source, e.Prev.MAE)
}

// SelectBest returns the first summary as the best model. The input is trusted
// to be sorted by MAE ascending and is never re-sorted.
func SelectBest(summaries []models.AccuracySummary) (models.BestModel, bool) {
	if len(summaries) == 0 {
		return models.BestModel{}, false
	}
	s := summaries[0]
	return models.BestModel{
		Source:           s.Source,
		MAE:              s.MAE,
		RMSE:             s.RMSE,
		AccuracyPercent:  s.AccuracyPercent,
		TotalForecasts:   s.TotalForecasts,
		TotalResolved:    s.TotalResolved,
		IsHighConfidence: IsHighConfidence(s),
	}, true
}

// AsTable returns the summaries in ranked order, which is the input order.
func AsTable(summaries []models.AccuracySummary) []models.AccuracySummary {
	return summaries
}

// IsHighConfidence reports whether a summary's MAE is below HighConfidenceMAE.
func IsHighConfidence(s models.AccuracySummary) bool {
	return s.MAE < HighConfidenceMAE
}

// CheckOrdering verifies the MAE-ascending precondition. Equal MAEs are allowed.
func CheckOrdering(summaries []models.AccuracySummary) error {
	for i := 1; i < len(summaries); i++ {
		if summaries[i].MAE < summaries[i-1].MAE {
			return &OrderingError{Index: i, Prev: summaries[i-1], Next: summaries[i]}
		}
	}
	return nil
}

// Selector selects the best model, optionally asserting the ordering precondition.
type Selector struct {
	AssertOrdering bool
}

// Best is SelectBest with the ordering precondition enforced when AssertOrdering is set.
func (s Selector) Best(summaries []models.AccuracySummary) (models.BestModel, bool, error) {
	if s.AssertOrdering {
		if err := CheckOrdering(summaries); err != nil {
			return models.BestModel{}, false, err
		}
	}
	best, ok := SelectBest(summaries)
	return best, ok, nil
}

// Row is one display row of the ranked accuracy table.
type Row struct {
	Rank            int     `json:"rank"`
	Source          string  `json:"source"`
	MAE             string  `json:"mae"`
	RMSE            string  `json:"rmse"`
	AccuracyPercent float64 `json:"accuracyPercent"`
	Accuracy        string  `json:"accuracy"`
	Forecasts       string  `json:"forecasts"`
	HighConfidence  bool    `json:"highConfidence"`
	Best            bool    `json:"best"`
}

// Rows renders the table rows in input order.
func Rows(summaries []models.AccuracySummary) []Row {
	rows := make([]Row, 0, len(summaries))
	for i, s := range AsTable(summaries) {
		rows = append(rows, Row{
			Rank:            i + 1,
			Source:          s.Source,
			MAE:             FormatDegrees(s.MAE),
			RMSE:            FormatDegrees(s.RMSE),
			AccuracyPercent: s.AccuracyPercent,
			Accuracy:        strconv.FormatFloat(s.AccuracyPercent, 'f', -1, 64) + "%",
			Forecasts:       fmt.Sprintf("%d / %d", s.TotalResolved, s.TotalForecasts),
			HighConfidence:  IsHighConfidence(s),
			Best:            i == 0,
		})
	}
	return rows
}

// FormatDegrees renders an error in degrees with two decimals, rounding half away from zero.
func FormatDegrees(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}
