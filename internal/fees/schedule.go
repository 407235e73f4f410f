package fees

import (
	"time"

	"github.com/shopspring/decimal"
)

// Month is one calendar month of a fee schedule.
type Month struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// Label renders the month as used in MonthlyAmounts, e.g. "Apr 2024".
func (m Month) Label() string {
	return m.Start().Format("Jan 2006")
}

// Start returns midnight UTC on the first day of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the month.
func (m Month) End() time.Time {
	return m.Start().AddDate(0, 1, -1)
}

// Next returns the following month.
func (m Month) Next() Month {
	return MonthOf(m.Start().AddDate(0, 1, 0))
}

func (m Month) after(o Month) bool {
	if m.Year != o.Year {
		return m.Year > o.Year
	}
	return m.Month > o.Month
}

// Period is the billable window of an academic year: from the first day of
// the start month through the last day of the cutoff month.
type Period struct {
	Start  time.Time `json:"start"`
	Cutoff time.Time `json:"cutoff"`
}

// PeriodFor bills from the academic year start up to the calendar month
// before now. The current month is never billed.
func PeriodFor(academicYearStart, now time.Time) Period {
	start := MonthOf(academicYearStart).Start()
	cutoff := MonthOf(now).Start().AddDate(0, 0, -1)
	return Period{Start: start, Cutoff: cutoff}
}

// Months enumerates the calendar months of the period in order. It is empty
// when the academic year has not started before the cutoff.
func (p Period) Months() []Month {
	first := MonthOf(p.Start)
	last := MonthOf(p.Cutoff)
	var months []Month
	for m := first; !m.after(last); m = m.Next() {
		months = append(months, m)
	}
	return months
}

// AcademicYearStart returns the first day of the academic year containing
// now, given the month in which academic years begin.
func AcademicYearStart(now time.Time, startMonth time.Month) time.Time {
	if startMonth < time.January || startMonth > time.December {
		startMonth = time.April
	}
	year := now.Year()
	if now.Month() < startMonth {
		year--
	}
	return time.Date(year, startMonth, 1, 0, 0, 0, 0, time.UTC)
}

// BuildSchedule charges a flat amount for every month whose calendar number
// is in applicable. Months outside the set are omitted. There is no
// pro-rating of partial months.
func BuildSchedule(months []Month, amount decimal.Decimal, applicable MonthSet) (MonthlyAmounts, decimal.Decimal) {
	schedule := make(MonthlyAmounts, 0, len(months))
	total := decimal.Zero
	for _, m := range months {
		if !applicable.Contains(m.Month) {
			continue
		}
		schedule = append(schedule, MonthAmount{Month: m.Label(), Amount: amount})
		total = total.Add(amount)
	}
	return schedule, total
}
