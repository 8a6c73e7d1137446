package timeparsing

import (
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	// Fixed reference time for deterministic tests
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "+6h adds 6 hours",
			input: "+6h",
			want:  time.Date(2026, 3, 15, 18, 0, 0, 0, time.UTC),
		},
		{
			name:  "-1d subtracts 1 day",
			input: "-1d",
			want:  time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "+2w adds 2 weeks",
			input: "+2w",
			want:  time.Date(2026, 3, 29, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "no sign means positive",
			input: "3m",
			want:  time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "-1y subtracts 1 year",
			input: "-1y",
			want:  time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
		},
		{name: "bare number", input: "42", wantErr: true},
		{name: "unknown unit", input: "3q", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseCompactDuration(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCompactDuration(%q) failed: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseCompactDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParsePointLayers(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	// Layer 1: compact duration
	got, err := ParsePoint("-7d", now)
	if err != nil || !got.Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("ParsePoint(-7d) = %v, %v", got, err)
	}

	// Layer 2: absolute forms
	got, err = ParsePoint("2026-03-01", now)
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ParsePoint(date-only) = %v, %v", got, err)
	}
	got, err = ParsePoint("2026-03-01T08:30:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("ParsePoint(RFC3339) = %v, %v", got, err)
	}

	// Layer 3: natural language
	got, err = ParsePoint("yesterday", now)
	if err != nil {
		t.Fatalf("ParsePoint(yesterday) failed: %v", err)
	}
	if got.Day() != 14 {
		t.Errorf("ParsePoint(yesterday) = %v, want March 14", got)
	}

	if _, err := ParsePoint("the heat death of the universe", now); err == nil {
		t.Error("nonsense should not parse")
	}
}

func TestParseWindow(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	// Bare duration reads backward: "the last 7 days"
	from, to, err := ParseWindow("7d", now)
	if err != nil {
		t.Fatalf("ParseWindow(7d) failed: %v", err)
	}
	if !from.Equal(now.AddDate(0, 0, -7)) || !to.Equal(now) {
		t.Errorf("ParseWindow(7d) = [%v, %v]", from, to)
	}

	// Explicit range
	from, to, err = ParseWindow("2026-03-01..2026-03-08", now)
	if err != nil {
		t.Fatalf("ParseWindow(range) failed: %v", err)
	}
	if from.Day() != 1 || to.Day() != 8 {
		t.Errorf("ParseWindow(range) = [%v, %v]", from, to)
	}

	// Inverted range rejected
	if _, _, err := ParseWindow("2026-03-08..2026-03-01", now); err == nil {
		t.Error("inverted range should error")
	}

	// Future start rejected
	if _, _, err := ParseWindow("+2d", now); err == nil {
		t.Error("future window start should error")
	}
}
