package fees

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

var (
	ledgerMarkers    = []string{"ledger balance"}
	transportMarkers = []string{"transport", "bus"}
)

// ClassifyInvoiceItem decides which fee head an invoice item settles.
//
// Tagged items are placed by their tag. Untagged items fall back to their
// description: "ledger balance" wins over "transport"/"bus", and anything
// else untagged is treated as a ledger carry-forward. Items whose tag is
// inconsistent return the zero HeadID and are never attributed.
func ClassifyInvoiceItem(item InvoiceItem) HeadID {
	switch item.SourceType {
	case SourceFee:
		if item.SourceID > 0 {
			return FeeHead(item.SourceID)
		}
		return HeadID{}
	case SourceTransport:
		return TransportHead()
	case SourceNone:
	default:
		return HeadID{}
	}

	desc := cases.Fold().String(item.Description)
	if containsAny(desc, ledgerMarkers) {
		return LedgerHead()
	}
	if item.SourceID != 0 {
		return HeadID{}
	}
	if containsAny(desc, transportMarkers) {
		return TransportHead()
	}
	return LedgerHead()
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// AttributePayments spreads the paid amount of every invoice across the
// fee heads of its items, in proportion to each head's share of the invoice
// total. Invoices with nothing paid or a non-positive total contribute
// nothing.
func AttributePayments(invoices []Invoice) map[HeadID]decimal.Decimal {
	received := make(map[HeadID]decimal.Decimal)
	for _, inv := range invoices {
		for head, amount := range attributeInvoice(inv) {
			received[head] = received[head].Add(amount)
		}
	}
	return received
}

// Attribute returns the amount received against a single fee head.
func Attribute(head HeadID, invoices []Invoice) decimal.Decimal {
	return AttributePayments(invoices)[head]
}

func attributeInvoice(inv Invoice) map[HeadID]decimal.Decimal {
	if !inv.PaidAmount.IsPositive() || !inv.TotalAmount.IsPositive() {
		return nil
	}
	itemTotals := make(map[HeadID]decimal.Decimal)
	for _, item := range inv.Items {
		head := ClassifyInvoiceItem(item)
		if !head.Valid() {
			continue
		}
		itemTotals[head] = itemTotals[head].Add(item.Amount)
	}
	out := make(map[HeadID]decimal.Decimal, len(itemTotals))
	for head, itemTotal := range itemTotals {
		if itemTotal.IsZero() {
			continue
		}
		out[head] = inv.PaidAmount.Mul(itemTotal).Div(inv.TotalAmount)
	}
	return out
}
