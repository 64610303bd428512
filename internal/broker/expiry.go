package broker

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/raj577/DeltaDeck/internal/models"
)

var expiryMonths = [...]string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN",
	"JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}

// formatExpiry renders a date in the venue's DDMMMYYYY expiry format,
// e.g. 04SEP2025.
func formatExpiry(t time.Time) string {
	day := t.Day()
	s := strconv.Itoa(day)
	if day < 10 {
		s = "0" + s
	}
	return s + expiryMonths[t.Month()-1] + strconv.Itoa(t.Year())
}

// NearestExpiry computes the nearest option expiry for a symbol. NIFTY (and
// unknown symbols) expire weekly on Thursdays; BANKNIFTY expires monthly on
// the last Thursday of the month.
func NearestExpiry(symbol string, now time.Time) string {
	if symbol == "BANKNIFTY" {
		last := lastThursday(now.Year(), now.Month())
		if last.Before(now.Truncate(24 * time.Hour)) {
			y, mo := now.Year(), now.Month()+1
			if mo > time.December {
				mo = time.January
				y++
			}
			last = lastThursday(y, mo)
		}
		return formatExpiry(last)
	}

	// Weekly Thursday expiries
	daysAhead := int(time.Thursday - now.Weekday())
	if daysAhead <= 0 {
		daysAhead += 7
	}
	return formatExpiry(now.AddDate(0, 0, daysAhead))
}

func lastThursday(year int, month time.Month) time.Time {
	// Day zero of the next month is the last day of this one
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	back := (int(lastDay.Weekday()) - int(time.Thursday) + 7) % 7
	return lastDay.AddDate(0, 0, -back)
}

// RelevantStrikes filters Greeks rows down to the strikes within
// strikesRange intervals of the ATM strike for the symbol's strike spacing.
// Rows with an unparsable strike are dropped. The result is sorted by
// (strike, optionType).
func RelevantStrikes(rows []GreekRow, symbol string, currentPrice float64, strikesRange int) []GreekRow {
	if len(rows) == 0 {
		return nil
	}

	interval := models.StrikeInterval(symbol)
	atm := math.Round(currentPrice/interval) * interval

	targets := make(map[float64]bool, 2*strikesRange+1)
	for i := -strikesRange; i <= strikesRange; i++ {
		targets[atm+float64(i)*interval] = true
	}

	type keyed struct {
		row    GreekRow
		strike float64
	}
	var kept []keyed
	for _, row := range rows {
		strike, err := strconv.ParseFloat(row.StrikePrice, 64)
		if err != nil {
			continue
		}
		if targets[strike] {
			kept = append(kept, keyed{row: row, strike: strike})
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].strike != kept[j].strike {
			return kept[i].strike < kept[j].strike
		}
		return kept[i].row.OptionType < kept[j].row.OptionType
	})

	out := make([]GreekRow, 0, len(kept))
	for _, k := range kept {
		out = append(out, k.row)
	}
	return out
}
