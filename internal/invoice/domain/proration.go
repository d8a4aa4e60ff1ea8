package domain

import (
	"time"

	"github.com/shopspring/decimal"
	offeringdomain "github.com/smallbiznis/mercat/internal/offering/domain"
)

// Price arithmetic is fixed-point throughout: two-digit quantization with
// banker's rounding, never floats.

var hundred = decimal.NewFromInt(100)

// Quantize rounds a money amount to cents using banker's rounding.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// MonthStart is the first instant of t's month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonthStart is the first instant of the month after t.
func NextMonthStart(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

// DaysInMonth is the calendar day count of t's month.
func DaysInMonth(t time.Time) int {
	return NextMonthStart(t).AddDate(0, 0, -1).Day()
}

// SecondHalfStart is the first instant of day 16, the half-month boundary.
func SecondHalfStart(t time.Time) time.Time {
	start := MonthStart(t)
	return time.Date(start.Year(), start.Month(), 16, 0, 0, 0, 0, time.UTC)
}

// FullDays counts the calendar days touched by the half-open interval
// [start, end). Both bounds must fall within one month.
func FullDays(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	lastDay := end.Add(-time.Nanosecond).Day()
	days := lastDay - start.Day() + 1
	if days < 0 {
		return 0
	}
	return days
}

// ProrationFactor converts an active interval into billing units:
//   - day: the count of active calendar days;
//   - month: active days over the month's day count;
//   - half_month: per-half day fractions, so a full month yields 2.0 and a
//     start on day 16 charges only the second half;
//   - quantity: always 1 (no time proration).
func ProrationFactor(unit offeringdomain.BillingUnit, start, end time.Time) decimal.Decimal {
	if !end.After(start) {
		return decimal.Zero
	}
	switch unit {
	case offeringdomain.UnitDay:
		return decimal.NewFromInt(int64(FullDays(start, end)))
	case offeringdomain.UnitMonth:
		days := FullDays(start, end)
		return decimal.NewFromInt(int64(days)).Div(decimal.NewFromInt(int64(DaysInMonth(start))))
	case offeringdomain.UnitHalfMonth:
		return halfMonthFactor(start, end)
	case offeringdomain.UnitQuantity:
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}

// halfMonthFactor sums the covered fraction of each half. The month splits
// at day 16; each half contributes coveredDays/halfDays, so covering a full
// half accrues exactly 1.0 regardless of the month's length.
func halfMonthFactor(start, end time.Time) decimal.Decimal {
	boundary := SecondHalfStart(start)
	monthEnd := NextMonthStart(start)

	factor := decimal.Zero
	if start.Before(boundary) {
		firstEnd := end
		if firstEnd.After(boundary) {
			firstEnd = boundary
		}
		covered := decimal.NewFromInt(int64(FullDays(start, firstEnd)))
		factor = factor.Add(covered.Div(decimal.NewFromInt(15)))
	}
	if end.After(boundary) {
		secondStart := start
		if secondStart.Before(boundary) {
			secondStart = boundary
		}
		secondEnd := end
		if secondEnd.After(monthEnd) {
			secondEnd = monthEnd
		}
		covered := decimal.NewFromInt(int64(FullDays(secondStart, secondEnd)))
		halfDays := decimal.NewFromInt(int64(DaysInMonth(start) - 15))
		factor = factor.Add(covered.Div(halfDays))
	}
	return factor
}

// ClampToMonth intersects [start, end) with the month containing anchor.
func ClampToMonth(start, end, anchor time.Time) (time.Time, time.Time) {
	lo := MonthStart(anchor)
	hi := NextMonthStart(anchor)
	if start.Before(lo) {
		start = lo
	}
	if end.After(hi) {
		end = hi
	}
	return start, end
}

// ApplyTax adds the percentage tax to a net total.
func ApplyTax(net, taxPercent decimal.Decimal) decimal.Decimal {
	return Quantize(net.Add(net.Mul(taxPercent).Div(hundred)))
}
