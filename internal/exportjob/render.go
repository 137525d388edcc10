package exportjob

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

func formatScore(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) }
func formatInt(i int) string       { return strconv.Itoa(i) }

// renderCSV writes rows (with the fixed header) as CSV bytes, the same
// encoding/csv-via-bytes.Buffer idiom the teacher uses nowhere directly but
// that mirrors its internal/fetcher/csv.go reader counterpart run in
// reverse: one writer call per record, flushed once at the end.
func renderCSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(header); err != nil {
		return nil, eris.Wrap(err, "exportjob: write csv header")
	}
	for _, r := range rows {
		if err := w.Write(rowValues(r)); err != nil {
			return nil, eris.Wrap(err, "exportjob: write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, eris.Wrap(err, "exportjob: flush csv")
	}
	return buf.Bytes(), nil
}

// renderXLSX writes rows to a single-sheet workbook, grounded on
// internal/fetcher/xlsx.go's reader (same library, write path instead of
// read path: xlsx.File -> AddSheet -> AddRow -> AddCell per header/row).
func renderXLSX(rows []Row) ([]byte, error) {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("feedback")
	if err != nil {
		return nil, eris.Wrap(err, "exportjob: add xlsx sheet")
	}

	headerRow := sheet.AddRow()
	for _, h := range header {
		headerRow.AddCell().Value = h
	}

	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range rowValues(r) {
			row.AddCell().Value = v
		}
	}

	var buf bytes.Buffer
	if err := file.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "exportjob: write xlsx")
	}
	return buf.Bytes(), nil
}

// Render dispatches on the requested format. Unknown formats are the
// caller's (HTTP ingress validation's) responsibility to reject earlier;
// here an unrecognized format is a permanent_bad_input-shaped error.
func Render(format string, rows []Row) ([]byte, string, error) {
	switch format {
	case "", "csv":
		data, err := renderCSV(rows)
		return data, "text/csv", err
	case "xlsx":
		data, err := renderXLSX(rows)
		return data, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", err
	default:
		return nil, "", eris.Errorf("exportjob: unsupported format %q", format)
	}
}
