package broker

import (
	"testing"
	"time"
)

func TestNearestExpiry_Weekly(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{
			// Monday -> coming Thursday
			name: "monday",
			now:  time.Date(2025, 8, 25, 10, 0, 0, 0, time.UTC),
			want: "28AUG2025",
		},
		{
			// Thursday rolls to next week's Thursday
			name: "thursday",
			now:  time.Date(2025, 8, 28, 10, 0, 0, 0, time.UTC),
			want: "04SEP2025",
		},
		{
			// Friday -> next Thursday
			name: "friday",
			now:  time.Date(2025, 8, 29, 10, 0, 0, 0, time.UTC),
			want: "04SEP2025",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NearestExpiry("NIFTY", tt.now); got != tt.want {
				t.Fatalf("NearestExpiry(NIFTY, %s) = %q, want %q", tt.now.Format("2006-01-02"), got, tt.want)
			}
		})
	}
}

func TestNearestExpiry_Monthly(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{
			// Aug 2025 last Thursday is the 28th
			name: "before last thursday",
			now:  time.Date(2025, 8, 10, 10, 0, 0, 0, time.UTC),
			want: "28AUG2025",
		},
		{
			// After the month's last Thursday, roll to September's (the 25th)
			name: "after last thursday",
			now:  time.Date(2025, 8, 29, 10, 0, 0, 0, time.UTC),
			want: "25SEP2025",
		},
		{
			// December rolls into January of the next year
			name: "year rollover",
			now:  time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC),
			want: "29JAN2026",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NearestExpiry("BANKNIFTY", tt.now); got != tt.want {
				t.Fatalf("NearestExpiry(BANKNIFTY, %s) = %q, want %q", tt.now.Format("2006-01-02"), got, tt.want)
			}
		})
	}
}

func TestRelevantStrikes(t *testing.T) {
	row := func(strike, optType string) GreekRow {
		return GreekRow{Name: "NIFTY", StrikePrice: strike, OptionType: optType}
	}
	rows := []GreekRow{
		row("24100.0", "CE"),
		row("24200.0", "PE"),
		row("24200.0", "CE"),
		row("24300.0", "CE"),
		row("24400.0", "CE"),
		row("24500.0", "CE"),
		row("bogus", "CE"), // unparsable strike is dropped
	}

	got := RelevantStrikes(rows, "NIFTY", 24310, 2)

	// ATM rounds to 24300; window is 24200..24400
	wantStrikes := []string{"24200.0", "24200.0", "24300.0", "24400.0"}
	if len(got) != len(wantStrikes) {
		t.Fatalf("got %d rows, want %d: %+v", len(got), len(wantStrikes), got)
	}
	for i, w := range wantStrikes {
		if got[i].StrikePrice != w {
			t.Errorf("row %d strike = %q, want %q", i, got[i].StrikePrice, w)
		}
	}
	// Same-strike rows are ordered CE before PE
	if got[0].OptionType != "CE" || got[1].OptionType != "PE" {
		t.Errorf("same-strike ordering = %q,%q; want CE,PE", got[0].OptionType, got[1].OptionType)
	}
}

func TestRelevantStrikes_Empty(t *testing.T) {
	if got := RelevantStrikes(nil, "NIFTY", 24000, 5); got != nil {
		t.Fatalf("RelevantStrikes(nil) = %v, want nil", got)
	}
}
