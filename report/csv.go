package report

import (
	"encoding/csv"
	"io"
)

// WriteStatementCSV emits a statement with one column per schedule month
// followed by the total, received and balance columns.
func WriteStatementCSV(w io.Writer, st Statement) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := make([]string, 0, len(st.Months)+4)
	header = append(header, "Fee Head")
	header = append(header, st.Months...)
	header = append(header, "Total", "Received", "Balance")
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range st.Rows {
		record := make([]string, 0, len(header))
		record = append(record, row.FeeHead)
		record = append(record, row.Cells...)
		record = append(record, row.Total, row.Received, row.Balance)
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	footer := make([]string, len(header))
	footer[0] = "Total"
	footer[len(footer)-3] = formatMoney(st.Totals.Total)
	footer[len(footer)-2] = formatMoney(st.Totals.Received)
	footer[len(footer)-1] = formatMoney(st.Totals.Balance)
	if err := writer.Write(footer); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}
