package fees

import (
	"github.com/shopspring/decimal"
)

// AllocationInput describes one payment event. Selected is in priority
// order: the first head is paid first.
type AllocationInput struct {
	AmountReceived decimal.Decimal
	Discount       decimal.Decimal
	Selected       []HeadID
}

// NetAmount is the amount available for allocation.
func (in AllocationInput) NetAmount() decimal.Decimal {
	return in.AmountReceived.Sub(in.Discount)
}

// Validate rejects input that cannot be allocated.
func (in AllocationInput) Validate() error {
	if in.AmountReceived.IsNegative() {
		return &ValidationError{Field: "amount_received", Reason: "must not be negative"}
	}
	if in.Discount.IsNegative() {
		return &ValidationError{Field: "discount", Reason: "must not be negative"}
	}
	if in.Discount.GreaterThanOrEqual(in.AmountReceived) {
		return &ValidationError{Field: "discount", Reason: "must be less than amount received"}
	}
	if len(in.Selected) == 0 {
		return &ValidationError{Field: "selected", Reason: "select at least one fee head"}
	}
	for _, head := range in.Selected {
		if !head.Valid() {
			return &ValidationError{Field: "selected", Reason: "unknown fee head " + head.String()}
		}
	}
	if !in.NetAmount().IsPositive() {
		return &ValidationError{Field: "amount_received", Reason: "net amount must be positive"}
	}
	return nil
}

// HeadAllocation is the share of a payment applied to one head.
type HeadAllocation struct {
	Head    HeadID          `json:"head"`
	FeeHead string          `json:"fee_head"`
	Amount  decimal.Decimal `json:"amount"`
}

// Allocation is the outcome of a waterfall. Entries are in payment order and
// only carry heads that received something.
type Allocation struct {
	NetAmount   decimal.Decimal  `json:"net_amount"`
	Entries     []HeadAllocation `json:"entries"`
	Unallocated decimal.Decimal  `json:"unallocated"`
}

// Allocated sums every entry.
func (a Allocation) Allocated() decimal.Decimal {
	sum := decimal.Zero
	for _, entry := range a.Entries {
		sum = sum.Add(entry.Amount)
	}
	return sum
}

// ByKey returns the allocation keyed by selection key (0 ledger, -1
// transport, fee structure id otherwise).
func (a Allocation) ByKey() map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(a.Entries))
	for _, entry := range a.Entries {
		out[entry.Head.SelectionKey()] = entry.Amount
	}
	return out
}

// Amount returns what a head received, zero when absent.
func (a Allocation) Amount(head HeadID) decimal.Decimal {
	for _, entry := range a.Entries {
		if entry.Head == head {
			return entry.Amount
		}
	}
	return decimal.Zero
}

// Allocate pays the net amount into the selected heads in selection order.
// Each head absorbs up to its outstanding balance; heads without a positive
// balance are skipped. Whatever is left once the heads are exhausted is
// reported as unallocated.
func Allocate(in AllocationInput, lines []BreakdownLine) (Allocation, error) {
	if err := in.Validate(); err != nil {
		return Allocation{}, err
	}

	remaining := in.NetAmount()
	result := Allocation{NetAmount: remaining, Entries: []HeadAllocation{}}
	seen := make(map[HeadID]struct{}, len(in.Selected))

	for _, head := range in.Selected {
		if !remaining.IsPositive() {
			break
		}
		if _, dup := seen[head]; dup {
			continue
		}
		seen[head] = struct{}{}

		line, ok := FindLine(lines, head)
		if !ok || !line.Balance.IsPositive() {
			continue
		}
		allocated := decimal.Min(remaining, line.Balance)
		result.Entries = append(result.Entries, HeadAllocation{Head: head, FeeHead: line.FeeHead, Amount: allocated})
		remaining = remaining.Sub(allocated)
	}

	result.Unallocated = remaining
	return result, nil
}
