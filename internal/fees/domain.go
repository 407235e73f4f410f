package fees

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusActive marks a fee structure that is currently billed.
const StatusActive = "active"

// SourceType tags an invoice item with the kind of charge it settles.
type SourceType string

const (
	// SourceNone marks untagged items, usually legacy ledger carry-forwards.
	SourceNone SourceType = ""
	// SourceFee marks items that settle a fee structure.
	SourceFee SourceType = "FEE"
	// SourceTransport marks items that settle a route price.
	SourceTransport SourceType = "TRANSPORT"
)

// Student is the subset of the student record the engine needs.
type Student struct {
	ID             int64           `json:"id"`
	SchoolID       int64           `json:"school_id"`
	Name           string          `json:"name"`
	ClassID        int64           `json:"class_id"`
	CategoryHeadID int64           `json:"category_head_id"`
	RouteID        int64           `json:"route_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// Assignment returns the catalog lookup key for the student.
func (s Student) Assignment() Assignment {
	return Assignment{
		SchoolID:       s.SchoolID,
		ClassID:        s.ClassID,
		CategoryHeadID: s.CategoryHeadID,
		RouteID:        s.RouteID,
	}
}

// FeeStructure is a recurring, class/category scoped fee definition.
type FeeStructure struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Amount         decimal.Decimal `json:"amount"`
	FeeCategoryID  int64           `json:"fee_category_id"`
	ClassID        int64           `json:"class_id"`
	CategoryHeadID int64           `json:"category_head_id"`
	Status         string          `json:"status"`
}

// FeeCategory carries the months in which a fee is levied.
type FeeCategory struct {
	ID               int64 `json:"id"`
	ApplicableMonths []int `json:"applicable_months"`
}

// RoutePrice is the transport fee for a (route, class, category head) triple.
// ClassID is zero for class-agnostic prices.
type RoutePrice struct {
	ID             int64           `json:"id"`
	RouteID        int64           `json:"route_id"`
	ClassID        int64           `json:"class_id"`
	CategoryHeadID int64           `json:"category_head_id"`
	Amount         decimal.Decimal `json:"amount"`
	FeeCategoryID  int64           `json:"fee_category_id"`
}

// Invoice is a historical invoice with its paid portion.
type Invoice struct {
	ID          int64           `json:"id"`
	StudentID   int64           `json:"student_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	Items       []InvoiceItem   `json:"items"`
}

// InvoiceItem is one line of an invoice. SourceID is zero when absent.
type InvoiceItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	SourceType  SourceType      `json:"source_type,omitempty"`
	SourceID    int64           `json:"source_id,omitempty"`
}

// MonthSet is a bitmask of calendar months 1..12. The zero value levies
// every month.
type MonthSet uint16

// AllMonths levies a fee in every calendar month.
const AllMonths MonthSet = 0x1FFE

// NewMonthSet builds a set from month numbers. Out of range values are
// ignored; an empty result means every month.
func NewMonthSet(months ...int) MonthSet {
	var set MonthSet
	for _, m := range months {
		if m < 1 || m > 12 {
			continue
		}
		set |= 1 << uint(m)
	}
	if set == 0 {
		return AllMonths
	}
	return set
}

// Contains reports whether the month is levied.
func (s MonthSet) Contains(m time.Month) bool {
	if s == 0 {
		return true
	}
	return s&(1<<uint(m)) != 0
}

// Months lists the months in calendar order.
func (s MonthSet) Months() []int {
	out := make([]int, 0, 12)
	for m := 1; m <= 12; m++ {
		if s.Contains(time.Month(m)) {
			out = append(out, m)
		}
	}
	return out
}

// ResolvedFee pairs a fee structure with its applicable months.
type ResolvedFee struct {
	FeeStructure
	Months MonthSet `json:"months"`
}

// ResolvedTransport pairs the selected route price with its applicable months.
type ResolvedTransport struct {
	RoutePrice
	Months MonthSet `json:"months"`
}

// Catalog is the resolved fee configuration for one student.
type Catalog struct {
	Structures []ResolvedFee       `json:"structures"`
	Transport  *ResolvedTransport `json:"transport,omitempty"`
}

// Snapshot is everything fetched for a student. Breakdown and allocation are
// pure functions of a snapshot.
type Snapshot struct {
	Student   Student   `json:"student"`
	Catalog   Catalog   `json:"catalog"`
	Invoices  []Invoice `json:"invoices"`
	FetchedAt time.Time `json:"fetched_at"`
}

// MonthAmount is the charge for one schedule month.
type MonthAmount struct {
	Month  string          `json:"month"`
	Amount decimal.Decimal `json:"amount"`
}

// MonthlyAmounts keeps the per-month charges in calendar order.
type MonthlyAmounts []MonthAmount

// Amount looks up the charge for a month label.
func (m MonthlyAmounts) Amount(label string) (decimal.Decimal, bool) {
	for _, entry := range m {
		if entry.Month == label {
			return entry.Amount, true
		}
	}
	return decimal.Zero, false
}

// Map returns the charges keyed by month label.
func (m MonthlyAmounts) Map() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for _, entry := range m {
		out[entry.Month] = entry.Amount
	}
	return out
}

// BreakdownLine is one fee head of a student's breakdown.
//
// FeeStructureID is 0 for both the opening balance and transport lines; use
// Head to tell them apart.
type BreakdownLine struct {
	Head           HeadID          `json:"head"`
	FeeHead        string          `json:"fee_head"`
	FeeStructureID int64           `json:"fee_structure_id"`
	MonthlyAmounts MonthlyAmounts  `json:"monthly_amounts"`
	Total          decimal.Decimal `json:"total"`
	Received       decimal.Decimal `json:"received"`
	Balance        decimal.Decimal `json:"balance"`
}

// Totals sums a breakdown.
type Totals struct {
	Total    decimal.Decimal `json:"total"`
	Received decimal.Decimal `json:"received"`
	Balance  decimal.Decimal `json:"balance"`
}

// Summarize adds up every line of a breakdown.
func Summarize(lines []BreakdownLine) Totals {
	totals := Totals{Total: decimal.Zero, Received: decimal.Zero, Balance: decimal.Zero}
	for _, line := range lines {
		totals.Total = totals.Total.Add(line.Total)
		totals.Received = totals.Received.Add(line.Received)
		totals.Balance = totals.Balance.Add(line.Balance)
	}
	return totals
}
