package fees

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerItemDescription labels invoice items that settle the opening balance.
const LedgerItemDescription = "Opening ledger balance"

// PaymentDetails is the payment metadata recorded with an invoice.
type PaymentDetails struct {
	Method        string
	Date          time.Time
	TransactionID string
	Notes         string
}

// InvoiceLine is one allocation translated for invoice creation.
type InvoiceLine struct {
	FeeID       int64
	SourceType  SourceType
	SourceID    int64
	Description string
	Amount      decimal.Decimal
}

// InvoicePaymentRequest creates an invoice and records its payment in one
// call to the payment service.
type InvoicePaymentRequest struct {
	IdempotencyKey string
	StudentID      int64
	SchoolID       int64
	AmountReceived decimal.Decimal
	Discount       decimal.Decimal
	Lines          []InvoiceLine
	Payment        PaymentDetails
}

// PaymentReceipt identifies what the payment service created.
type PaymentReceipt struct {
	InvoiceID     int64  `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	PaymentID     int64  `json:"payment_id"`
}

// BuildInvoicePaymentRequest translates an allocation into invoice lines.
// Every line is tagged so that ClassifyInvoiceItem places it back on the
// same head: fee lines as FEE/<fee structure id>, transport as
// TRANSPORT/<route price id>, the ledger untagged.
func BuildInvoicePaymentRequest(snap Snapshot, in AllocationInput, alloc Allocation, details PaymentDetails) (InvoicePaymentRequest, error) {
	req := InvoicePaymentRequest{
		StudentID:      snap.Student.ID,
		SchoolID:       snap.Student.SchoolID,
		AmountReceived: in.AmountReceived,
		Discount:       in.Discount,
		Lines:          make([]InvoiceLine, 0, len(alloc.Entries)),
		Payment:        details,
	}
	for _, entry := range alloc.Entries {
		line := InvoiceLine{FeeID: entry.Head.SelectionKey(), Amount: entry.Amount}
		switch entry.Head.Kind {
		case HeadLedger:
			line.Description = LedgerItemDescription
		case HeadTransport:
			if snap.Catalog.Transport == nil {
				return InvoicePaymentRequest{}, fmt.Errorf("fees: transport allocated without a route price")
			}
			line.SourceType = SourceTransport
			line.SourceID = snap.Catalog.Transport.ID
			line.Description = LabelTransport
		case HeadFee:
			line.SourceType = SourceFee
			line.SourceID = entry.Head.FeeStructureID
			line.Description = entry.FeeHead
		default:
			return InvoicePaymentRequest{}, fmt.Errorf("fees: cannot invoice head %s", entry.Head)
		}
		req.Lines = append(req.Lines, line)
	}
	return req, nil
}
