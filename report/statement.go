package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fee-engine/internal/fees"
)

// Statement is a breakdown laid out for printing: one column per schedule
// month, one row per fee head.
type Statement struct {
	Title       string
	StudentName string
	StudentID   int64
	SchoolID    int64
	PeriodLabel string
	GeneratedAt time.Time
	Months      []string
	Rows        []StatementRow
	Totals      fees.Totals
}

// StatementRow is one fee head of a statement. Cells align with
// Statement.Months and are blank where the head is not levied.
type StatementRow struct {
	FeeHead  string
	Cells    []string
	Total    string
	Received string
	Balance  string
}

// NewStatement lays out a breakdown.
func NewStatement(b fees.Breakdown) Statement {
	periodMonths := b.Period.Months()
	months := make([]string, 0, len(periodMonths))
	for _, m := range periodMonths {
		months = append(months, m.Label())
	}

	st := Statement{
		Title:       "Fee Statement",
		StudentName: b.StudentName,
		StudentID:   b.StudentID,
		SchoolID:    b.SchoolID,
		PeriodLabel: periodLabel(b.Period),
		GeneratedAt: b.AsOf,
		Months:      months,
		Rows:        make([]StatementRow, 0, len(b.Lines)),
		Totals:      b.Totals,
	}
	for _, line := range b.Lines {
		row := StatementRow{
			FeeHead:  line.FeeHead,
			Cells:    make([]string, len(months)),
			Total:    formatMoney(line.Total),
			Received: formatMoney(line.Received),
			Balance:  formatMoney(line.Balance),
		}
		for i, label := range months {
			if amount, ok := line.MonthlyAmounts.Amount(label); ok {
				row.Cells[i] = formatMoney(amount)
			}
		}
		st.Rows = append(st.Rows, row)
	}
	return st
}

func periodLabel(p fees.Period) string {
	if p.Cutoff.Before(p.Start) {
		return "Academic year not started"
	}
	return fmt.Sprintf("%s to %s", p.Start.Format("02 Jan 2006"), p.Cutoff.Format("02 Jan 2006"))
}

func formatMoney(v decimal.Decimal) string {
	return v.StringFixed(2)
}

var statementTemplate = template.Must(template.New("statement").Funcs(template.FuncMap{
	"money": formatMoney,
	"inc":   func(n int) int { return n + 1 },
}).Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title>
<style>
body{font-family:sans-serif;margin:24px;font-size:12px;}
h1{font-size:20px;margin-bottom:4px;}
table{width:100%;border-collapse:collapse;margin-top:16px;}
th,td{border:1px solid #ddd;padding:6px;text-align:right;}
th{background:#f5f5f5;}
.label{text-align:left;}
tfoot td{font-weight:bold;}
</style></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.StudentName}} (#{{.StudentID}}) &middot; {{.PeriodLabel}}</p>
<p>Generated {{.GeneratedAt.Format "02 Jan 2006 15:04 MST"}}</p>
<table>
<thead><tr><th class="label">Fee Head</th>{{range .Months}}<th>{{.}}</th>{{end}}<th>Total</th><th>Received</th><th>Balance</th></tr></thead>
<tbody>
{{range .Rows}}<tr><td class="label">{{.FeeHead}}</td>{{range .Cells}}<td>{{.}}</td>{{end}}<td>{{.Total}}</td><td>{{.Received}}</td><td>{{.Balance}}</td></tr>
{{end}}</tbody>
<tfoot><tr><td class="label" colspan="{{len .Months | inc}}">Total</td><td>{{money .Totals.Total}}</td><td>{{money .Totals.Received}}</td><td>{{money .Totals.Balance}}</td></tr></tfoot>
</table>
</body></html>`))

// RenderStatementHTML renders the printable statement.
func RenderStatementHTML(st Statement) (string, error) {
	var buf bytes.Buffer
	if err := statementTemplate.Execute(&buf, st); err != nil {
		return "", fmt.Errorf("report: render statement: %w", err)
	}
	return buf.String(), nil
}

// RenderStatementPDF renders the statement through Gotenberg.
func (c *Client) RenderStatementPDF(ctx context.Context, st Statement) ([]byte, error) {
	html, err := RenderStatementHTML(st)
	if err != nil {
		return nil, err
	}
	return c.RenderHTML(ctx, StatementFilename(st, ""), html)
}

// StatementFilename names a statement download.
func StatementFilename(st Statement, ext string) string {
	name := fmt.Sprintf("fee-statement-%d-%d", st.SchoolID, st.StudentID)
	if ext == "" {
		return name
	}
	return name + "." + ext
}
