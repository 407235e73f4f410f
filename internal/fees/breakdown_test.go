package fees

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Student: Student{ID: 9, SchoolID: 1, Name: "Asha", ClassID: 3, CategoryHeadID: 2, RouteID: 5, OpeningBalance: d("300")},
		Catalog: Catalog{
			Structures: []ResolvedFee{
				{FeeStructure: FeeStructure{ID: 101, Name: "Tuition", Amount: d("500"), Status: StatusActive}, Months: AllMonths},
				{FeeStructure: FeeStructure{ID: 102, Name: "Lab", Amount: d("200"), Status: StatusActive}, Months: NewMonthSet(5)},
			},
			Transport: &ResolvedTransport{RoutePrice: RoutePrice{ID: 44, RouteID: 5, Amount: d("150")}, Months: AllMonths},
		},
		Invoices: []Invoice{{
			ID:          1,
			TotalAmount: d("1500"),
			PaidAmount:  d("750"),
			Items:       []InvoiceItem{{Amount: d("1500"), SourceType: SourceFee, SourceID: 101}},
		}},
	}
}

func samplePeriod() Period {
	return PeriodFor(date(2024, time.April, 1), date(2024, time.July, 15))
}

func TestAssembleBreakdownOrderAndTotals(t *testing.T) {
	lines, err := AssembleBreakdown(sampleSnapshot(), samplePeriod())
	require.NoError(t, err)
	require.Len(t, lines, 4)

	require.Equal(t, LedgerHead(), lines[0].Head)
	require.Equal(t, LabelOpeningOutstanding, lines[0].FeeHead)
	require.Zero(t, lines[0].FeeStructureID)
	require.True(t, lines[0].Balance.Equal(d("300")))

	tuition := lines[1]
	require.Equal(t, FeeHead(101), tuition.Head)
	require.Equal(t, int64(101), tuition.FeeStructureID)
	require.Len(t, tuition.MonthlyAmounts, 3)
	require.True(t, tuition.Total.Equal(d("1500")))
	require.True(t, tuition.Received.Equal(d("750")))
	require.True(t, tuition.Balance.Equal(d("750")))

	lab := lines[2]
	require.Len(t, lab.MonthlyAmounts, 1)
	amount, ok := lab.MonthlyAmounts.Amount("May 2024")
	require.True(t, ok)
	require.True(t, amount.Equal(d("200")))

	transport := lines[3]
	require.Equal(t, TransportHead(), transport.Head)
	require.Equal(t, LabelTransport, transport.FeeHead)
	require.Zero(t, transport.FeeStructureID)
	require.True(t, transport.Total.Equal(d("450")))

	totals := Summarize(lines)
	require.True(t, totals.Total.Equal(d("2450")))
	require.True(t, totals.Received.Equal(d("750")))
	require.True(t, totals.Balance.Equal(d("1700")))
}

func TestAssembleBreakdownSkipsZeroOpeningAndMissingTransport(t *testing.T) {
	snap := sampleSnapshot()
	snap.Student.OpeningBalance = d("0")
	snap.Catalog.Transport = nil

	lines, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.Equal(t, HeadFee, line.Head.Kind)
	}
}

func TestAssembleBreakdownCreditLedgerStaysNegative(t *testing.T) {
	snap := sampleSnapshot()
	snap.Student.OpeningBalance = d("-250")

	lines, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)
	require.Equal(t, LabelOpeningCredit, lines[0].FeeHead)
	require.True(t, lines[0].Balance.Equal(d("-250")))
}

func TestAssembleBreakdownClampsOverpaidLines(t *testing.T) {
	snap := sampleSnapshot()
	snap.Invoices = []Invoice{{
		TotalAmount: d("9000"),
		PaidAmount:  d("9000"),
		Items:       []InvoiceItem{{Amount: d("9000"), SourceType: SourceFee, SourceID: 101}},
	}}

	lines, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)
	for _, line := range lines {
		if line.Head.Kind == HeadLedger {
			continue
		}
		require.False(t, line.Balance.IsNegative(), line.FeeHead)
		expected := line.Total.Sub(line.Received)
		if expected.IsNegative() {
			require.True(t, line.Balance.IsZero())
		} else {
			require.True(t, line.Balance.Equal(expected))
		}
	}
}

func TestAssembleBreakdownNoFeePlan(t *testing.T) {
	snap := sampleSnapshot()
	snap.Catalog.Structures = nil

	lines, err := AssembleBreakdown(snap, samplePeriod())
	require.True(t, errors.Is(err, ErrNoFeePlan))
	require.Nil(t, lines)
}

func TestAssembleBreakdownIsDeterministic(t *testing.T) {
	snap := sampleSnapshot()
	snap.Invoices = append(snap.Invoices, Invoice{
		TotalAmount: d("999.99"),
		PaidAmount:  d("333.33"),
		Items: []InvoiceItem{
			{Amount: d("450"), SourceType: SourceTransport, SourceID: 44},
			{Amount: d("300"), Description: "Ledger balance b/f"},
			{Amount: d("249.99"), SourceType: SourceFee, SourceID: 102},
		},
	})

	first, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)
	second, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestAssembleBreakdownKeepsFullPrecision(t *testing.T) {
	snap := sampleSnapshot()
	snap.Student.OpeningBalance = d("0")
	snap.Catalog.Transport = nil
	snap.Invoices = []Invoice{{
		TotalAmount: d("100.125"),
		PaidAmount:  d("100.125"),
		Items:       []InvoiceItem{{Amount: d("100.125"), SourceType: SourceFee, SourceID: 101}},
	}}

	lines, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)
	tuition, ok := FindLine(lines, FeeHead(101))
	require.True(t, ok)
	require.Equal(t, "100.125", tuition.Received.String())
	require.True(t, tuition.Balance.Equal(d("1399.875")))
}
