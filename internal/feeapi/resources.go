package feeapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fee-engine/internal/fees"
)

var _ fees.Source = (*Client)(nil)

type studentDTO struct {
	ID             int64            `json:"id"`
	SchoolID       int64            `json:"schoolId"`
	Name           string           `json:"name"`
	ClassID        *int64           `json:"classId"`
	CategoryHeadID *int64           `json:"categoryHeadId"`
	RouteID        *int64           `json:"routeId"`
	OpeningBalance *decimal.Decimal `json:"openingBalance"`
}

func (d studentDTO) toDomain() fees.Student {
	return fees.Student{
		ID:             d.ID,
		SchoolID:       d.SchoolID,
		Name:           d.Name,
		ClassID:        deref(d.ClassID),
		CategoryHeadID: deref(d.CategoryHeadID),
		RouteID:        deref(d.RouteID),
		OpeningBalance: decimalOrZero(d.OpeningBalance),
	}
}

type feeStructureDTO struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Amount         decimal.Decimal `json:"amount"`
	FeeCategoryID  *int64          `json:"feeCategoryId"`
	ClassID        *int64          `json:"classId"`
	CategoryHeadID *int64          `json:"categoryHeadId"`
	Status         string          `json:"status"`
}

type feeCategoryDTO struct {
	ID               int64 `json:"id"`
	ApplicableMonths []int `json:"applicableMonths"`
}

type routePriceDTO struct {
	ID             int64           `json:"id"`
	RouteID        int64           `json:"routeId"`
	ClassID        *int64          `json:"classId"`
	CategoryHeadID *int64          `json:"categoryHeadId"`
	Amount         decimal.Decimal `json:"amount"`
	FeeCategoryID  *int64          `json:"feeCategoryId"`
}

type invoiceItemDTO struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	SourceType  *string         `json:"sourceType"`
	SourceID    *int64          `json:"sourceId"`
}

type invoiceDTO struct {
	ID          int64            `json:"id"`
	StudentID   int64            `json:"studentId"`
	TotalAmount decimal.Decimal  `json:"totalAmount"`
	PaidAmount  decimal.Decimal  `json:"paidAmount"`
	Items       []invoiceItemDTO `json:"items"`
}

func (d invoiceDTO) toDomain() fees.Invoice {
	inv := fees.Invoice{
		ID:          d.ID,
		StudentID:   d.StudentID,
		TotalAmount: d.TotalAmount,
		PaidAmount:  d.PaidAmount,
		Items:       make([]fees.InvoiceItem, 0, len(d.Items)),
	}
	for _, item := range d.Items {
		var source fees.SourceType
		if item.SourceType != nil {
			source = fees.SourceType(strings.ToUpper(strings.TrimSpace(*item.SourceType)))
		}
		inv.Items = append(inv.Items, fees.InvoiceItem{
			Description: item.Description,
			Amount:      item.Amount,
			SourceType:  source,
			SourceID:    deref(item.SourceID),
		})
	}
	return inv
}

type allocationLineDTO struct {
	FeeID       int64           `json:"feeId"`
	SourceType  *string         `json:"sourceType"`
	SourceID    *int64          `json:"sourceId"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type paymentDTO struct {
	Method        string `json:"method"`
	Date          string `json:"date"`
	TransactionID string `json:"transactionId,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type invoicePaymentDTO struct {
	StudentID      int64               `json:"studentId"`
	SchoolID       int64               `json:"schoolId"`
	AmountReceived decimal.Decimal     `json:"amountReceived"`
	Discount       decimal.Decimal     `json:"discount"`
	Allocations    []allocationLineDTO `json:"allocations"`
	Payment        paymentDTO          `json:"payment"`
}

type receiptDTO struct {
	InvoiceID     int64  `json:"invoiceId"`
	InvoiceNumber string `json:"invoiceNumber"`
	PaymentID     int64  `json:"paymentId"`
}

// GetStudent loads a student record.
func (c *Client) GetStudent(ctx context.Context, schoolID, studentID int64) (fees.Student, error) {
	q := url.Values{}
	setID(q, "schoolId", schoolID)
	dto, err := getOne[studentDTO](ctx, c, "students/"+formatID(studentID), q)
	if err != nil {
		return fees.Student{}, err
	}
	return dto.toDomain(), nil
}

// ListFeeStructures lists fee structures matching the filter.
func (c *Client) ListFeeStructures(ctx context.Context, filter fees.FeeStructureFilter) ([]fees.FeeStructure, error) {
	q := url.Values{}
	setID(q, "schoolId", filter.SchoolID)
	setID(q, "classId", filter.ClassID)
	setID(q, "categoryHeadId", filter.CategoryHeadID)
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	rows, err := listAll[feeStructureDTO](ctx, c, "fee-structures", q)
	if err != nil {
		return nil, err
	}
	out := make([]fees.FeeStructure, 0, len(rows))
	for _, row := range rows {
		out = append(out, fees.FeeStructure{
			ID:             row.ID,
			Name:           row.Name,
			Amount:         row.Amount,
			FeeCategoryID:  deref(row.FeeCategoryID),
			ClassID:        deref(row.ClassID),
			CategoryHeadID: deref(row.CategoryHeadID),
			Status:         strings.ToLower(row.Status),
		})
	}
	return out, nil
}

// GetFeeCategory loads a fee category.
func (c *Client) GetFeeCategory(ctx context.Context, id int64) (fees.FeeCategory, error) {
	dto, err := getOne[feeCategoryDTO](ctx, c, "fee-categories/"+formatID(id), nil)
	if err != nil {
		return fees.FeeCategory{}, err
	}
	if dto.ID == 0 {
		dto.ID = id
	}
	return fees.FeeCategory{ID: dto.ID, ApplicableMonths: dto.ApplicableMonths}, nil
}

// ListRoutePrices lists route prices matching the filter.
func (c *Client) ListRoutePrices(ctx context.Context, filter fees.RoutePriceFilter) ([]fees.RoutePrice, error) {
	q := url.Values{}
	setID(q, "schoolId", filter.SchoolID)
	setID(q, "routeId", filter.RouteID)
	setID(q, "classId", filter.ClassID)
	setID(q, "categoryHeadId", filter.CategoryHeadID)
	rows, err := listAll[routePriceDTO](ctx, c, "route-prices", q)
	if err != nil {
		return nil, err
	}
	out := make([]fees.RoutePrice, 0, len(rows))
	for _, row := range rows {
		out = append(out, fees.RoutePrice{
			ID:             row.ID,
			RouteID:        row.RouteID,
			ClassID:        deref(row.ClassID),
			CategoryHeadID: deref(row.CategoryHeadID),
			Amount:         row.Amount,
			FeeCategoryID:  deref(row.FeeCategoryID),
		})
	}
	return out, nil
}

// ListInvoices lists a student's invoices with their items.
func (c *Client) ListInvoices(ctx context.Context, schoolID, studentID int64) ([]fees.Invoice, error) {
	q := url.Values{}
	setID(q, "studentId", studentID)
	setID(q, "schoolId", schoolID)
	rows, err := listAll[invoiceDTO](ctx, c, "invoices", q)
	if err != nil {
		return nil, err
	}
	out := make([]fees.Invoice, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// CreateInvoicePayment creates an invoice and records its payment in one
// call. The idempotency key is forwarded so the API can drop replays too.
func (c *Client) CreateInvoicePayment(ctx context.Context, req fees.InvoicePaymentRequest) (fees.PaymentReceipt, error) {
	body := invoicePaymentDTO{
		StudentID:      req.StudentID,
		SchoolID:       req.SchoolID,
		AmountReceived: req.AmountReceived,
		Discount:       req.Discount,
		Allocations:    make([]allocationLineDTO, 0, len(req.Lines)),
		Payment: paymentDTO{
			Method:        req.Payment.Method,
			Date:          req.Payment.Date.UTC().Format(time.DateOnly),
			TransactionID: req.Payment.TransactionID,
			Notes:         req.Payment.Notes,
		},
	}
	for _, line := range req.Lines {
		dto := allocationLineDTO{FeeID: line.FeeID, Description: line.Description, Amount: line.Amount}
		if line.SourceType != fees.SourceNone {
			source := string(line.SourceType)
			id := line.SourceID
			dto.SourceType = &source
			dto.SourceID = &id
		}
		body.Allocations = append(body.Allocations, dto)
	}

	headers := http.Header{}
	if req.IdempotencyKey != "" {
		headers.Set("Idempotency-Key", req.IdempotencyKey)
	}
	env, err := c.do(ctx, http.MethodPost, "invoices/payments", nil, body, headers)
	if err != nil {
		return fees.PaymentReceipt{}, err
	}
	var receipt receiptDTO
	if err := decodeObject(env, &receipt); err != nil {
		return fees.PaymentReceipt{}, err
	}
	if receipt.InvoiceID == 0 {
		return fees.PaymentReceipt{}, fmt.Errorf("%w: invoices/payments: missing invoiceId", ErrMalformedResponse)
	}
	return fees.PaymentReceipt{
		InvoiceID:     receipt.InvoiceID,
		InvoiceNumber: receipt.InvoiceNumber,
		PaymentID:     receipt.PaymentID,
	}, nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func decimalOrZero(v *decimal.Decimal) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return *v
}
