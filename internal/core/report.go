package core

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// CategoryAmount is one category line of a report, ordered for display.
type CategoryAmount struct {
	Name    string
	Amount  float64
	Percent float64
}

// MonthlyReport is derived from the ledger for one calendar month and never persisted.
// Amounts keep full precision; use Rounded for presentation.
type MonthlyReport struct {
	Year              int
	Month             int // 1-12
	Count             int
	Total             float64
	TotalsByCategory  map[string]float64
	PercentByCategory map[string]float64
	TopItem           *LedgerEntry
	Entries           []LedgerEntry
}

// Summarize aggregates entries. It is total over any input, including nil.
// Category labels are grouped by exact, case-sensitive match. The top item is the
// first entry holding the maximum normalized amount.
func Summarize(entries []LedgerEntry) MonthlyReport {
	r := MonthlyReport{
		Count:             len(entries),
		TotalsByCategory:  map[string]float64{},
		PercentByCategory: map[string]float64{},
		Entries:           entries,
	}

	for i := range entries {
		e := entries[i]
		r.Total += e.AmountUSD
		r.TotalsByCategory[e.Category] += e.AmountUSD
		if r.TopItem == nil || e.AmountUSD > r.TopItem.AmountUSD {
			r.TopItem = &entries[i]
		}
	}

	for cat, amt := range r.TotalsByCategory {
		if r.Total > 0 && !math.IsInf(r.Total, 0) {
			r.PercentByCategory[cat] = amt / r.Total * 100.0
		} else {
			r.PercentByCategory[cat] = 0
		}
	}

	return r
}

// Rounded returns a copy with every monetary and percentage figure rounded to 2 decimals.
func (r MonthlyReport) Rounded() MonthlyReport {
	out := r
	out.Total = Round2(r.Total)
	out.TotalsByCategory = make(map[string]float64, len(r.TotalsByCategory))
	for k, v := range r.TotalsByCategory {
		out.TotalsByCategory[k] = Round2(v)
	}
	out.PercentByCategory = make(map[string]float64, len(r.PercentByCategory))
	for k, v := range r.PercentByCategory {
		out.PercentByCategory[k] = Round2(v)
	}
	return out
}

// ByCategory lists categories by descending amount, then name.
func (r MonthlyReport) ByCategory() []CategoryAmount {
	out := make([]CategoryAmount, 0, len(r.TotalsByCategory))
	for name, amt := range r.TotalsByCategory {
		out = append(out, CategoryAmount{Name: name, Amount: amt, Percent: r.PercentByCategory[name]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Round2 rounds half away from zero to two decimal places. NaN and
// infinities are returned unchanged.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
