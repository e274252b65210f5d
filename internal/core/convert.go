package core

import "fmt"

// ToReportingCurrency converts amount from currency into table.Base.
//
// Rates are "units of currency per one unit of base", so the conversion divides.
// A missing rate, or one that is not positive and finite, fails with
// ErrMissingRate; the raw amount is never returned as a stand-in.
func ToReportingCurrency(amount float64, currency string, table RateTable) (float64, error) {
	currency = NormalizeCode(currency)
	if currency == NormalizeCode(table.Base) {
		return amount, nil
	}
	rate, ok := table.Rates[currency]
	if !ok || !UsableRate(rate) {
		return 0, fmt.Errorf("%w: no usable %s rate for %s", ErrMissingRate, table.Base, currency)
	}
	return amount / rate, nil
}
