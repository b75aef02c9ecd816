package models

import (
	"encoding/json"
	"testing"
)

func TestAccuracySummaryValidate(t *testing.T) {
	tests := []struct {
		name    string
		summary AccuracySummary
		wantErr bool
	}{
		{
			name:    "valid summary",
			summary: AccuracySummary{Source: "NWS", MAE: 1.2, RMSE: 1.5, AccuracyPercent: 80, TotalForecasts: 10, TotalResolved: 8},
			wantErr: false,
		},
		{
			name:    "empty source",
			summary: AccuracySummary{MAE: 1.2, RMSE: 1.5, AccuracyPercent: 80},
			wantErr: true,
		},
		{
			name:    "negative mae",
			summary: AccuracySummary{Source: "NWS", MAE: -0.1, RMSE: 1.5},
			wantErr: true,
		},
		{
			name:    "rmse below mae",
			summary: AccuracySummary{Source: "NWS", MAE: 2.0, RMSE: 1.0},
			wantErr: true,
		},
		{
			name:    "accuracy above 100",
			summary: AccuracySummary{Source: "NWS", MAE: 1, RMSE: 1, AccuracyPercent: 101},
			wantErr: true,
		},
		{
			name:    "more resolved than forecasts",
			summary: AccuracySummary{Source: "NWS", MAE: 1, RMSE: 1, TotalForecasts: 2, TotalResolved: 3},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.summary.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("AccuracySummary.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMergedRecordJSON(t *testing.T) {
	r := NewMergedRecord("Nov 21", map[string]float64{"NWS": 52, "ECMWF": 54, ActualKey: 53})

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"Actual":53,"ECMWF":54,"NWS":52,"date":"Nov 21"}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}

	var back MergedRecord
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.DateLabel != "Nov 21" {
		t.Errorf("DateLabel = %q, want %q", back.DateLabel, "Nov 21")
	}
	if v, ok := back.Actual(); !ok || v != 53 {
		t.Errorf("Actual() = %v, %v; want 53, true", v, ok)
	}
}

func TestMergedRecordOwnsValues(t *testing.T) {
	src := map[string]float64{"NWS": 50}
	r := NewMergedRecord("Nov 22", src)
	src["NWS"] = 99

	if v, _ := r.Value("NWS"); v != 50 {
		t.Errorf("record value changed with source map: got %v", v)
	}
	if _, ok := r.Actual(); ok {
		t.Error("expected no Actual value")
	}
	if keys := r.Keys(); len(keys) != 1 || keys[0] != "NWS" {
		t.Errorf("Keys() = %v, want [NWS]", keys)
	}
}

func TestMergedRecordUnmarshalMissingDate(t *testing.T) {
	var r MergedRecord
	if err := json.Unmarshal([]byte(`{"NWS":50}`), &r); err == nil {
		t.Error("expected error for row without date")
	}
}
