package feeshttp

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fee-engine/internal/fees"
)

type allocationRequest struct {
	AmountReceived decimal.Decimal `json:"amount_received" validate:"gt=0"`
	Discount       decimal.Decimal `json:"discount" validate:"gte=0"`
	// Selected holds selection keys in priority order: 0 ledger, -1
	// transport, fee structure id otherwise.
	Selected []int64 `json:"selected" validate:"required,min=1,max=64,dive,gte=-1"`
}

type paymentRequest struct {
	allocationRequest
	Method        string `json:"method" validate:"required,max=32"`
	PaymentDate   string `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	TransactionID string `json:"transaction_id" validate:"max=64"`
	Notes         string `json:"notes" validate:"max=500"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// viewPlaces caps the fractions that proportional attribution can produce
// without cutting amounts quoted in mills.
const viewPlaces = 4

func viewAmount(v decimal.Decimal) decimal.Decimal {
	return v.Round(viewPlaces)
}

type lineView struct {
	SelectionKey   int64                      `json:"selection_key"`
	Head           fees.HeadID                `json:"head"`
	FeeHead        string                     `json:"fee_head"`
	FeeStructureID int64                      `json:"fee_structure_id"`
	MonthlyAmounts map[string]decimal.Decimal `json:"monthly_amounts"`
	Months         []string                   `json:"months"`
	Total          decimal.Decimal            `json:"total"`
	Received       decimal.Decimal            `json:"received"`
	Balance        decimal.Decimal            `json:"balance"`
}

type breakdownView struct {
	ComputationID string      `json:"computation_id"`
	SchoolID      int64       `json:"school_id"`
	StudentID     int64       `json:"student_id"`
	StudentName   string      `json:"student_name"`
	AsOf          time.Time   `json:"as_of"`
	PeriodStart   string      `json:"period_start"`
	PeriodCutoff  string      `json:"period_cutoff"`
	Lines         []lineView  `json:"lines"`
	Totals        fees.Totals `json:"totals"`
}

func newBreakdownView(b fees.Breakdown) breakdownView {
	view := breakdownView{
		ComputationID: b.ComputationID,
		SchoolID:      b.SchoolID,
		StudentID:     b.StudentID,
		StudentName:   b.StudentName,
		AsOf:          b.AsOf,
		PeriodStart:   b.Period.Start.Format(dateLayout),
		PeriodCutoff:  b.Period.Cutoff.Format(dateLayout),
		Lines:         make([]lineView, 0, len(b.Lines)),
		Totals: fees.Totals{
			Total:    viewAmount(b.Totals.Total),
			Received: viewAmount(b.Totals.Received),
			Balance:  viewAmount(b.Totals.Balance),
		},
	}
	for _, line := range b.Lines {
		months := make([]string, 0, len(line.MonthlyAmounts))
		for _, entry := range line.MonthlyAmounts {
			months = append(months, entry.Month)
		}
		view.Lines = append(view.Lines, lineView{
			SelectionKey:   line.Head.SelectionKey(),
			Head:           line.Head,
			FeeHead:        line.FeeHead,
			FeeStructureID: line.FeeStructureID,
			MonthlyAmounts: line.MonthlyAmounts.Map(),
			Months:         months,
			Total:          viewAmount(line.Total),
			Received:       viewAmount(line.Received),
			Balance:        viewAmount(line.Balance),
		})
	}
	return view
}

type allocationView struct {
	NetAmount   decimal.Decimal            `json:"net_amount"`
	Entries     []fees.HeadAllocation      `json:"entries"`
	ByKey       map[string]decimal.Decimal `json:"by_selection_key"`
	Allocated   decimal.Decimal            `json:"allocated"`
	Unallocated decimal.Decimal            `json:"unallocated"`
}

func newAllocationView(a fees.Allocation) allocationView {
	byKey := make(map[string]decimal.Decimal, len(a.Entries))
	for key, amount := range a.ByKey() {
		byKey[strconv.FormatInt(key, 10)] = amount
	}
	return allocationView{
		NetAmount:   a.NetAmount,
		Entries:     a.Entries,
		ByKey:       byKey,
		Allocated:   a.Allocated(),
		Unallocated: a.Unallocated,
	}
}

type previewView struct {
	Breakdown  breakdownView  `json:"breakdown"`
	Allocation allocationView `json:"allocation"`
}

type paymentView struct {
	Receipt    fees.PaymentReceipt `json:"receipt"`
	Allocation allocationView      `json:"allocation"`
}
