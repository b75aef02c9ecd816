// Package align merges per-source forecast series and observed resolutions into
// chronologically ordered chart rows keyed by calendar day.
package align

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/polytracker/internal/models"
)

// LabelLayout renders a calendar day as "Nov 21".
const LabelLayout = "Jan 2"

// dateLayouts are tried in order; the first that parses wins.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700", // offset without a colon, as JavaScript Date accepts
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ErrUnrecognizedDate is wrapped by ParseDate when no accepted layout matches.
var ErrUnrecognizedDate = errors.New("no accepted date layout matched")

// ErrInvalidSource is returned when a forecast source identifier is empty or
// collides with a reserved chart key.
var ErrInvalidSource = errors.New("invalid source identifier")

// DateParseError reports a target date that could not be placed on the timeline.
type DateParseError struct {
	Source string // forecast source, empty for resolutions
	Index  int    // position within the source's (or the resolutions') sequence
	Value  string
	Err    error
}

func (e *DateParseError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("resolution %d: invalid target date %q: %v", e.Index, e.Value, e.Err)
	}
	return fmt.Sprintf("forecast %s[%d]: invalid target date %q: %v", e.Source, e.Index, e.Value, e.Err)
}

func (e *DateParseError) Unwrap() error { return e.Err }

// Engine aligns forecast and resolution series. Calendar days are taken in loc.
type Engine struct {
	loc *time.Location
}

// New returns an engine that groups dates by calendar day in loc (UTC when nil).
func New(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{loc: loc}
}

var defaultEngine = New(time.UTC)

// Align merges forecasts and resolutions using UTC calendar days.
func Align(forecastsBySource map[string][]models.ForecastPoint, resolutions []models.ResolutionPoint) ([]models.MergedRecord, error) {
	return defaultEngine.Align(forecastsBySource, resolutions)
}

// Location returns the zone used for calendar-day grouping.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// ParseDate parses an ISO-8601 date or timestamp. Values without a zone are
// read in the engine's location.
func (e *Engine) ParseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty date")
	}
	var rfcErr error
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, value, e.loc)
		if err == nil {
			return t.In(e.loc), nil
		}
		if layout == time.RFC3339 {
			rfcErr = err
		}
	}
	return time.Time{}, fmt.Errorf("%w (RFC3339: %w)", ErrUnrecognizedDate, rfcErr)
}

// Label renders the calendar day of t in the engine's location.
func (e *Engine) Label(t time.Time) string {
	return t.In(e.loc).Format(LabelLayout)
}

// dayRow accumulates one calendar day while aligning.
type dayRow struct {
	label  string
	first  time.Time
	values map[string]float64
	stamps map[string]time.Time
}

// set keeps the value with the latest timestamp per key; equal timestamps go to
// the later call.
func (r *dayRow) set(key string, value float64, at time.Time) {
	if prev, ok := r.stamps[key]; ok && at.Before(prev) {
		return
	}
	r.values[key] = value
	r.stamps[key] = at
}

// Align merges forecasts and resolutions into rows sorted by date ascending.
//
// Each distinct calendar day across all forecast sources yields one row holding
// the source's predicted high. A resolution only fills the Actual value of an
// existing row; days with a resolution but no forecast produce no row. Any
// malformed date fails the whole call with a *DateParseError.
func (e *Engine) Align(forecastsBySource map[string][]models.ForecastPoint, resolutions []models.ResolutionPoint) ([]models.MergedRecord, error) {
	rows := make(map[string]*dayRow)

	for _, source := range sortedSources(forecastsBySource) {
		if source == "" || source == models.ActualKey || source == models.DateKey {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
		}
		for i, p := range forecastsBySource[source] {
			at, err := e.ParseDate(p.TargetDate)
			if err != nil {
				return nil, &DateParseError{Source: source, Index: i, Value: p.TargetDate, Err: err}
			}
			label := e.Label(at)
			row, ok := rows[label]
			if !ok {
				row = &dayRow{
					label:  label,
					first:  at,
					values: make(map[string]float64),
					stamps: make(map[string]time.Time),
				}
				rows[label] = row
			} else if at.Before(row.first) {
				row.first = at
			}
			row.set(source, p.PredictedHigh, at)
		}
	}

	for i, r := range resolutions {
		at, err := e.ParseDate(r.TargetDate)
		if err != nil {
			return nil, &DateParseError{Index: i, Value: r.TargetDate, Err: err}
		}
		if row, ok := rows[e.Label(at)]; ok {
			row.set(models.ActualKey, r.ActualHigh, at)
		}
	}

	ordered := make([]*dayRow, 0, len(rows))
	for _, row := range rows {
		ordered = append(ordered, row)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].first.Equal(ordered[j].first) {
			return ordered[i].first.Before(ordered[j].first)
		}
		return ordered[i].label < ordered[j].label
	})

	records := make([]models.MergedRecord, 0, len(ordered))
	for _, row := range ordered {
		records = append(records, models.NewMergedRecord(row.label, row.values))
	}
	return records, nil
}

// SeriesKeys returns the chart series for the given sources: the sorted source
// identifiers followed by the Actual series.
func SeriesKeys(forecastsBySource map[string][]models.ForecastPoint) []string {
	return append(sortedSources(forecastsBySource), models.ActualKey)
}

func sortedSources(forecastsBySource map[string][]models.ForecastPoint) []string {
	sources := make([]string, 0, len(forecastsBySource))
	for source := range forecastsBySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}
