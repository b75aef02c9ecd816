package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	// ActualKey is the reserved series key holding the observed value.
	ActualKey = "Actual"
	// DateKey is the JSON field holding the calendar-day label of a row.
	DateKey = "date"
)

// MergedRecord is one chart row: a calendar day and one optional value per series.
// A series without a value for the day has no entry in Values.
type MergedRecord struct {
	DateLabel string
	Values    map[string]float64
}

// NewMergedRecord builds a record that owns a copy of values.
func NewMergedRecord(label string, values map[string]float64) MergedRecord {
	own := make(map[string]float64, len(values))
	for k, v := range values {
		own[k] = v
	}
	return MergedRecord{DateLabel: label, Values: own}
}

// Value returns the value recorded for key and whether one is present.
func (r MergedRecord) Value(key string) (float64, bool) {
	v, ok := r.Values[key]
	return v, ok
}

// Actual returns the observed value for the day, if resolved.
func (r MergedRecord) Actual() (float64, bool) {
	return r.Value(ActualKey)
}

// Keys returns the series keys present on the record in sorted order.
func (r MergedRecord) Keys() []string {
	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON flattens the record into a chart row: {"date":"Nov 21","NWS":52,"Actual":53}.
func (r MergedRecord) MarshalJSON() ([]byte, error) {
	row := make(map[string]any, len(r.Values)+1)
	for k, v := range r.Values {
		row[k] = v
	}
	row[DateKey] = r.DateLabel
	return json.Marshal(row)
}

// UnmarshalJSON reads a flattened chart row.
func (r *MergedRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	label, ok := raw[DateKey]
	if !ok {
		return fmt.Errorf("chart row missing %q", DateKey)
	}
	if err := json.Unmarshal(label, &r.DateLabel); err != nil {
		return fmt.Errorf("chart row %q: %w", DateKey, err)
	}
	r.Values = make(map[string]float64, len(raw)-1)
	for k, v := range raw {
		if k == DateKey {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("chart row series %q: %w", k, err)
		}
		r.Values[k] = f
	}
	return nil
}
