package spreadsheet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/assetimport/internal/domain"
)

const errorSheet = "Errors"

var reportHeader = []any{"Row", "Field", "Message", "Data"}

// GenerateErrorReport renders row errors into an xlsx workbook, one row per error.
func GenerateErrorReport(rowErrors []domain.RowError) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), errorSheet); err != nil {
		return nil, errors.Wrap(err, "rename sheet")
	}
	sw, err := f.NewStreamWriter(errorSheet)
	if err != nil {
		return nil, errors.Wrap(err, "open stream writer")
	}
	for col, width := range []float64{8, 24, 60, 80} {
		if err := sw.SetColWidth(col+1, col+1, width); err != nil {
			return nil, errors.Wrap(err, "set column width")
		}
	}
	if err := sw.SetRow("A1", reportHeader); err != nil {
		return nil, errors.Wrap(err, "write header")
	}

	for i, rowErr := range rowErrors {
		cellName, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, errors.Wrap(err, "cell name")
		}
		var row any = rowErr.Row
		if rowErr.Row == 0 {
			row = "file"
		}
		values := []any{row, rowErr.Field, rowErr.Message, formatSnapshot(rowErr.Data)}
		if err := sw.SetRow(cellName, values); err != nil {
			return nil, errors.Wrapf(err, "write error row %d", i+1)
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush report")
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "encode report")
	}
	return buf.Bytes(), nil
}

// formatSnapshot renders "key=value; key=value" in key order.
func formatSnapshot(data map[string]string) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = fmt.Sprintf("%s=%s", key, data[key])
	}
	return strings.Join(parts, "; ")
}
