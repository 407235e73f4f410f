package fees

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildInvoicePaymentRequestTagsLines(t *testing.T) {
	snap := sampleSnapshot()
	lines, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)

	in := AllocationInput{
		AmountReceived: d("1300"),
		Discount:       d("100"),
		Selected:       []HeadID{LedgerHead(), TransportHead(), FeeHead(101)},
	}
	alloc, err := Allocate(in, lines)
	require.NoError(t, err)

	paidOn := date(2024, time.July, 20)
	req, err := BuildInvoicePaymentRequest(snap, in, alloc, PaymentDetails{Method: "cash", Date: paidOn})
	require.NoError(t, err)
	require.Equal(t, int64(9), req.StudentID)
	require.Equal(t, int64(1), req.SchoolID)
	require.Len(t, req.Lines, 3)

	require.Equal(t, int64(0), req.Lines[0].FeeID)
	require.Equal(t, SourceNone, req.Lines[0].SourceType)
	require.True(t, req.Lines[0].Amount.Equal(d("300")))

	require.Equal(t, int64(-1), req.Lines[1].FeeID)
	require.Equal(t, SourceTransport, req.Lines[1].SourceType)
	require.Equal(t, int64(44), req.Lines[1].SourceID)
	require.True(t, req.Lines[1].Amount.Equal(d("450")))

	require.Equal(t, int64(101), req.Lines[2].FeeID)
	require.Equal(t, SourceFee, req.Lines[2].SourceType)
	require.True(t, req.Lines[2].Amount.Equal(d("450")))
	require.Equal(t, paidOn, req.Payment.Date)
}

func TestRecordedInvoiceIsAttributedBack(t *testing.T) {
	snap := sampleSnapshot()
	lines, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)

	in := AllocationInput{AmountReceived: d("1000"), Selected: []HeadID{LedgerHead(), FeeHead(101), TransportHead()}}
	alloc, err := Allocate(in, lines)
	require.NoError(t, err)
	req, err := BuildInvoicePaymentRequest(snap, in, alloc, PaymentDetails{Method: "cash"})
	require.NoError(t, err)

	recorded := Invoice{ID: 2, TotalAmount: alloc.Allocated(), PaidAmount: alloc.Allocated()}
	for _, l := range req.Lines {
		recorded.Items = append(recorded.Items, InvoiceItem{Description: l.Description, Amount: l.Amount, SourceType: l.SourceType, SourceID: l.SourceID})
	}
	snap.Invoices = append(snap.Invoices, recorded)

	after, err := AssembleBreakdown(snap, samplePeriod())
	require.NoError(t, err)
	for _, entry := range alloc.Entries {
		before, _ := FindLine(lines, entry.Head)
		now, ok := FindLine(after, entry.Head)
		require.True(t, ok)
		require.True(t, now.Received.Sub(before.Received).Equal(entry.Amount), entry.Head.String())
	}
}
