package http

import (
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"fxledger/internal/core"
	"fxledger/internal/services"
)

// sanitizeInput removes control characters except tab, newline and carriage
// return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// newLabelCleaner strips all markup from free-text labels and returns plain
// text, so "Food &amp; <b>Drink</b>" is stored as "Food & Drink".
func newLabelCleaner() func(string) string {
	policy := bluemonday.StrictPolicy()
	return func(s string) string {
		return strings.TrimSpace(html.UnescapeString(policy.Sanitize(s)))
	}
}

type entryView struct {
	ID             int64   `json:"id"`
	CreatedAt      string  `json:"created_at"`
	ExpenseDate    string  `json:"expense_date"`
	Category       string  `json:"category"`
	AmountOriginal float64 `json:"amount_original"`
	Currency       string  `json:"currency"`
	AmountUSD      float64 `json:"amount_usd"`
}

func newEntryView(e core.LedgerEntry) entryView {
	return entryView{
		ID:             e.ID,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
		ExpenseDate:    e.ExpenseDate.Format(core.DateLayout),
		Category:       e.Category,
		AmountOriginal: e.AmountOriginal,
		Currency:       e.Currency,
		AmountUSD:      core.Round2(e.AmountUSD),
	}
}

func newEntryViews(entries []core.LedgerEntry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryView(e))
	}
	return out
}

type rateView struct {
	Currency  string  `json:"currency"`
	Rate      float64 `json:"rate"`
	UpdatedAt string  `json:"updated_at"`
	Source    string  `json:"source"`
}

type snapshotView struct {
	ID           int64              `json:"id"`
	FetchedAt    string             `json:"fetched_at"`
	Base         string             `json:"base"`
	ProviderDate string             `json:"provider_date"`
	Symbols      []string           `json:"symbols"`
	Rates        map[string]float64 `json:"rates"`
}

func newSnapshotView(s core.RateSnapshot) *snapshotView {
	return &snapshotView{
		ID:           s.ID,
		FetchedAt:    s.FetchedAt.UTC().Format(time.RFC3339),
		Base:         s.Base,
		ProviderDate: s.ProviderDate,
		Symbols:      s.Symbols,
		Rates:        s.Rates,
	}
}

type fxView struct {
	Latest    *snapshotView `json:"latest,omitempty"`
	Rates     []rateView    `json:"rates"`
	Timestamp string        `json:"timestamp,omitempty"`
}

func newFXView(o services.FXOverview) fxView {
	v := fxView{Rates: make([]rateView, 0, len(o.Rates))}
	if o.Latest != nil {
		v.Latest = newSnapshotView(*o.Latest)
	}
	for _, r := range o.Rates {
		v.Rates = append(v.Rates, rateView{
			Currency:  r.Currency,
			Rate:      r.Rate,
			UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339),
			Source:    string(r.Source),
		})
	}
	v.Timestamp = formatOptionalTime(o.Timestamp)
	return v
}

type categoryView struct {
	Name    string  `json:"name"`
	Amount  float64 `json:"amount_usd"`
	Percent float64 `json:"percent"`
}

type reportView struct {
	Year       int            `json:"year"`
	Month      int            `json:"month"`
	Count      int            `json:"count"`
	Total      float64        `json:"total_usd"`
	Categories []categoryView `json:"categories"`
	TopItem    *entryView     `json:"top_item,omitempty"`
	Entries    []entryView    `json:"entries"`
}

func newReportView(r core.MonthlyReport) reportView {
	rounded := r.Rounded()
	v := reportView{
		Year:       rounded.Year,
		Month:      rounded.Month,
		Count:      rounded.Count,
		Total:      rounded.Total,
		Categories: []categoryView{},
		Entries:    newEntryViews(rounded.Entries),
	}
	for _, c := range rounded.ByCategory() {
		v.Categories = append(v.Categories, categoryView{Name: c.Name, Amount: c.Amount, Percent: c.Percent})
	}
	if rounded.TopItem != nil {
		top := newEntryView(*rounded.TopItem)
		v.TopItem = &top
	}
	return v
}

type indexView struct {
	Categories     []string           `json:"categories"`
	Currencies     []string           `json:"currencies"`
	Today          string             `json:"today"`
	Recent         []entryView        `json:"recent"`
	Rates          map[string]float64 `json:"rates"`
	RatesTimestamp string             `json:"rates_timestamp,omitempty"`
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
