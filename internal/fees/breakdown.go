package fees

import (
	"github.com/shopspring/decimal"
)

// Fee head labels for the synthetic lines.
const (
	LabelOpeningOutstanding = "Opening Balance (Outstanding)"
	LabelOpeningCredit      = "Opening Balance (Credit)"
	LabelTransport          = "Transport Fee"
)

// AssembleBreakdown builds the ordered breakdown for a snapshot: the opening
// balance line (when non-zero), one line per fee structure in catalog order,
// then the transport line when a route price was resolved.
//
// The opening balance line keeps a signed balance so a credit stays visible;
// every other line is clamped at zero. Amounts keep full precision; rounding
// is left to presentation.
func AssembleBreakdown(snap Snapshot, period Period) ([]BreakdownLine, error) {
	if len(snap.Catalog.Structures) == 0 {
		return nil, ErrNoFeePlan
	}

	received := AttributePayments(snap.Invoices)
	months := period.Months()
	lines := make([]BreakdownLine, 0, len(snap.Catalog.Structures)+2)

	if opening := snap.Student.OpeningBalance; !opening.IsZero() {
		label := LabelOpeningOutstanding
		if opening.IsNegative() {
			label = LabelOpeningCredit
		}
		got := received[LedgerHead()]
		lines = append(lines, BreakdownLine{
			Head:           LedgerHead(),
			FeeHead:        label,
			MonthlyAmounts: MonthlyAmounts{},
			Total:          opening,
			Received:       got,
			Balance:        opening.Sub(got),
		})
	}

	for _, fee := range snap.Catalog.Structures {
		schedule, total := BuildSchedule(months, fee.Amount, fee.Months)
		head := FeeHead(fee.ID)
		lines = append(lines, scheduledLine(head, fee.Name, fee.ID, schedule, total, received[head]))
	}

	if transport := snap.Catalog.Transport; transport != nil {
		schedule, total := BuildSchedule(months, transport.Amount, transport.Months)
		head := TransportHead()
		lines = append(lines, scheduledLine(head, LabelTransport, 0, schedule, total, received[head]))
	}

	return lines, nil
}

func scheduledLine(head HeadID, label string, feeStructureID int64, schedule MonthlyAmounts, total, received decimal.Decimal) BreakdownLine {
	return BreakdownLine{
		Head:           head,
		FeeHead:        label,
		FeeStructureID: feeStructureID,
		MonthlyAmounts: schedule,
		Total:          total,
		Received:       received,
		Balance:        clampZero(total.Sub(received)),
	}
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// FindLine returns the breakdown line for a head.
func FindLine(lines []BreakdownLine, head HeadID) (BreakdownLine, bool) {
	for _, line := range lines {
		if line.Head == head {
			return line, true
		}
	}
	return BreakdownLine{}, false
}
