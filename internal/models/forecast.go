// Package models defines the core domain entities: forecasts, resolutions, accuracy summaries,
// and the merged chart rows derived from them.
package models

import (
	"errors"
)

// ForecastPoint is a single predicted daily high from one forecast source.
// TargetDate is kept as received (ISO-8601) and parsed by the alignment engine.
type ForecastPoint struct {
	ID            int64   `json:"id"`
	Source        string  `json:"source"`
	TargetDate    string  `json:"targetDate"`
	PredictedHigh float64 `json:"predictedHigh"`
}

// ResolutionPoint is the observed daily high for a date.
type ResolutionPoint struct {
	TargetDate string  `json:"targetDate"`
	ActualHigh float64 `json:"actualHigh"`
}

// AccuracySummary is the per-source error summary computed by the backend.
type AccuracySummary struct {
	Source          string  `json:"source"`
	MAE             float64 `json:"mae"`
	RMSE            float64 `json:"rmse"`
	AccuracyPercent float64 `json:"accuracyPercent"`
	TotalForecasts  int     `json:"totalForecasts"`
	TotalResolved   int     `json:"totalResolved"`
}

// Validate checks accuracy summary field constraints.
func (a *AccuracySummary) Validate() error {
	if a.Source == "" {
		return errors.New("source must not be empty")
	}
	if a.MAE < 0 {
		return errors.New("mae must not be negative")
	}
	if a.RMSE < 0 {
		return errors.New("rmse must not be negative")
	}
	if a.RMSE < a.MAE {
		return errors.New("rmse must be >= mae")
	}
	if a.AccuracyPercent < 0 || a.AccuracyPercent > 100 {
		return errors.New("accuracy percent must be between 0 and 100")
	}
	if a.TotalForecasts < 0 {
		return errors.New("total forecasts must not be negative")
	}
	if a.TotalResolved < 0 {
		return errors.New("total resolved must not be negative")
	}
	if a.TotalResolved > a.TotalForecasts {
		return errors.New("total resolved must be <= total forecasts")
	}
	return nil
}

// BestModel is the leading accuracy summary as presented in the summary panel.
type BestModel struct {
	Source           string  `json:"source"`
	MAE              float64 `json:"mae"`
	RMSE             float64 `json:"rmse"`
	AccuracyPercent  float64 `json:"accuracyPercent"`
	TotalForecasts   int     `json:"totalForecasts"`
	TotalResolved    int     `json:"totalResolved"`
	IsHighConfidence bool    `json:"isHighConfidence"`
}
