// Package spreadsheet turns uploaded workbooks into ordered row records and
// renders error reports back into workbooks.
package spreadsheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-faster/errors"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/assetimport/internal/domain"
)

var (
	// ErrUnreadableWorkbook is returned when the payload cannot be opened as a workbook.
	ErrUnreadableWorkbook = errors.New("unreadable workbook")
	// ErrTooManyRows is returned when the file exceeds the configured row ceiling.
	ErrTooManyRows = errors.New("too many rows")
	// ErrMissingColumn is returned when the mapping names a header absent from the file.
	ErrMissingColumn = errors.New("mapped column not found")
	// ErrUnmappedField is returned when a required logical field has no mapping.
	ErrUnmappedField = errors.New("required field not mapped")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Format identifies how an upload is decoded.
type Format string

const (
	FormatUnknown Format = ""
	FormatXLSX    Format = "xlsx"
	FormatCSV     Format = "csv"
)

// DetectFormat sniffs the payload and falls back to the file extension when
// the content is inconclusive.
func DetectFormat(fileName string, data []byte) Format {
	if len(data) > 0 {
		for m := mimetype.Detect(data); m != nil; m = m.Parent() {
			switch {
			case m.Is(xlsxMIME), m.Is("application/zip"):
				return FormatXLSX
			case m.Is("text/csv"), m.Is("text/plain"):
				return FormatCSV
			}
		}
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".csv":
		return FormatCSV
	}
	return FormatUnknown
}

// Config bounds the work a parser does per file.
type Config struct {
	MaxRows    int
	SampleRows int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{MaxRows: 10000, SampleRows: 100}
}

// Parser reads uploads. It holds no per-file state.
type Parser struct {
	cfg Config
}

// NewParser creates a parser; zero limits fall back to the defaults.
func NewParser(cfg Config) *Parser {
	defaults := DefaultConfig()
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaults.MaxRows
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = defaults.SampleRows
	}
	return &Parser{cfg: cfg}
}

// StructureReport is the outcome of ValidateStructure. Errors make the file
// unprocessable; warnings describe sampled rows that will probably fail.
type StructureReport struct {
	IsValid   bool     `json:"is_valid"`
	TotalRows int      `json:"total_rows"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
}

func (r *StructureReport) fail(message string) {
	r.IsValid = false
	r.Errors = append(r.Errors, message)
}

// Message joins the structural errors into one line.
func (r StructureReport) Message() string {
	return strings.Join(r.Errors, "; ")
}

type sheetRow struct {
	number int
	cells  []string
}

type table struct {
	headers []string
	rows    []sheetRow
}

func (t table) empty() bool {
	return len(t.headers) == 0
}

// ParseFile decodes data and applies mapping. Rows come back in sheet order;
// fully empty rows are skipped without renumbering the rest.
func (p *Parser) ParseFile(data []byte, mapping domain.ColumnMapping) ([]domain.RowRecord, error) {
	t, err := readTable(data)
	if err != nil {
		return nil, err
	}
	if len(t.rows) > p.cfg.MaxRows {
		return nil, errors.Wrapf(ErrTooManyRows, "%d rows, maximum is %d", len(t.rows), p.cfg.MaxRows)
	}
	if t.empty() {
		return []domain.RowRecord{}, nil
	}
	columns, problems := resolveColumns(t.headers, mapping)
	if len(problems) > 0 {
		return nil, problems[0]
	}

	records := make([]domain.RowRecord, 0, len(t.rows))
	for _, row := range t.rows {
		record := buildRecord(row, t.headers, columns)
		normalizeRecord(&record)
		records = append(records, record)
	}
	return records, nil
}

// ValidateStructure checks the row ceiling and the mapping against the header
// row, then inspects a bounded prefix of rows. Only an unreadable payload is
// returned as an error; everything else lands in the report.
func (p *Parser) ValidateStructure(data []byte, mapping domain.ColumnMapping) (StructureReport, error) {
	report := StructureReport{IsValid: true, Errors: []string{}, Warnings: []string{}}
	t, err := readTable(data)
	if err != nil {
		report.fail(err.Error())
		return report, err
	}
	report.TotalRows = len(t.rows)
	if report.TotalRows > p.cfg.MaxRows {
		report.fail(fmt.Sprintf("File has %d rows, maximum is %d", report.TotalRows, p.cfg.MaxRows))
		return report, nil
	}
	if t.empty() {
		return report, nil
	}

	columns, problems := resolveColumns(t.headers, mapping)
	for _, problem := range problems {
		report.fail(problem.Error())
	}
	if !report.IsValid {
		return report, nil
	}

	sample := t.rows
	if len(sample) > p.cfg.SampleRows {
		sample = sample[:p.cfg.SampleRows]
	}
	for _, row := range sample {
		record := buildRecord(row, t.headers, columns)
		report.Warnings = append(report.Warnings, sampleWarnings(record)...)
	}
	return report, nil
}

func sampleWarnings(record domain.RowRecord) []string {
	var warnings []string
	for _, field := range domain.RequiredFields {
		if record.Value(field) == "" {
			warnings = append(warnings, fmt.Sprintf("Row %d: required field %s is empty", record.RowNumber, field))
		}
	}
	if raw := record.Value(domain.FieldStatus); raw != "" {
		if _, ok := NormalizeStatus(raw); !ok {
			warnings = append(warnings, fmt.Sprintf("Row %d: unknown status %q", record.RowNumber, raw))
		}
	}
	if raw := record.Value(domain.FieldCondition); raw != "" {
		score, clamped, err := ClampCondition(raw)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("Row %d: condition %q is not a number", record.RowNumber, raw))
		case clamped:
			warnings = append(warnings, fmt.Sprintf("Row %d: condition %s clamped to %d", record.RowNumber, raw, score))
		}
	}
	return warnings
}

// normalizeRecord rewrites status synonyms and clamps condition scores in place.
// Values that cannot be normalized are left for the row processor to reject.
func normalizeRecord(record *domain.RowRecord) {
	if raw, ok := record.Fields[domain.FieldStatus]; ok {
		if status, known := NormalizeStatus(raw); known {
			record.Fields[domain.FieldStatus] = status
		}
	}
	if raw, ok := record.Fields[domain.FieldCondition]; ok && strings.TrimSpace(raw) != "" {
		if score, _, err := ClampCondition(raw); err == nil {
			record.Fields[domain.FieldCondition] = strconv.Itoa(score)
		}
	}
}

func buildRecord(row sheetRow, headers []string, columns map[string]int) domain.RowRecord {
	record := domain.RowRecord{
		RowNumber: row.number,
		Fields:    make(map[string]string, len(columns)),
		Metadata:  map[string]string{},
	}
	mapped := make(map[int]bool, len(columns))
	for field, idx := range columns {
		mapped[idx] = true
		record.Fields[field] = strings.TrimSpace(cell(row.cells, idx))
	}
	for idx, header := range headers {
		if header == "" || mapped[idx] {
			continue
		}
		if value := strings.TrimSpace(cell(row.cells, idx)); value != "" {
			record.Metadata[header] = value
		}
	}
	return record
}

func cell(cells []string, idx int) string {
	if idx < len(cells) {
		return cells[idx]
	}
	return ""
}

// resolveColumns finds the column of every mapped field by case-insensitive header match.
func resolveColumns(headers []string, mapping domain.ColumnMapping) (map[string]int, []error) {
	byName := make(map[string]int, len(headers))
	for idx, header := range headers {
		key := strings.ToLower(header)
		if _, exists := byName[key]; !exists && key != "" {
			byName[key] = idx
		}
	}

	var problems []error
	for _, field := range domain.RequiredFields {
		if strings.TrimSpace(mapping[field]) == "" {
			problems = append(problems, errors.Wrapf(ErrUnmappedField, "field %s", field))
		}
	}
	columns := make(map[string]int, len(mapping))
	for _, field := range mapping.Fields() {
		header := strings.TrimSpace(mapping[field])
		if header == "" {
			continue
		}
		idx, ok := byName[strings.ToLower(header)]
		if !ok {
			problems = append(problems, missingColumn(header, field, headers))
			continue
		}
		columns[field] = idx
	}
	return columns, problems
}

func missingColumn(header, field string, headers []string) error {
	if suggestion := suggestHeader(header, headers); suggestion != "" {
		return errors.Wrapf(ErrMissingColumn, "column %q (field %s), did you mean %q?", header, field, suggestion)
	}
	return errors.Wrapf(ErrMissingColumn, "column %q (field %s)", header, field)
}

func suggestHeader(header string, headers []string) string {
	candidates := make([]string, 0, len(headers))
	for _, h := range headers {
		if h != "" {
			candidates = append(candidates, h)
		}
	}
	ranks := fuzzy.RankFindNormalizedFold(header, candidates)
	if len(ranks) > 0 {
		sort.Sort(ranks)
		return ranks[0].Target
	}

	best, bestDistance := "", -1
	limit := max(2, len([]rune(header))/3)
	for _, candidate := range candidates {
		distance := fuzzy.LevenshteinDistance(strings.ToLower(header), strings.ToLower(candidate))
		if distance > limit {
			continue
		}
		if bestDistance < 0 || distance < bestDistance {
			best, bestDistance = candidate, distance
		}
	}
	return best
}

func readTable(data []byte) (table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return table{}, nil
	}
	var (
		rows []sheetRow
		err  error
	)
	switch DetectFormat("", data) {
	case FormatXLSX:
		rows, err = readXLSX(data)
	case FormatCSV:
		rows, err = readCSV(data)
	default:
		return table{}, errors.Wrap(ErrUnreadableWorkbook, "unrecognized content")
	}
	if err != nil {
		return table{}, err
	}
	return splitHeader(rows), nil
}

// splitHeader treats the first non-empty row as the header and drops empty data rows.
func splitHeader(rows []sheetRow) table {
	var t table
	for _, row := range rows {
		if isEmptyRow(row.cells) {
			continue
		}
		if t.headers == nil {
			t.headers = make([]string, len(row.cells))
			for i, value := range row.cells {
				t.headers[i] = strings.TrimSpace(value)
			}
			continue
		}
		t.rows = append(t.rows, row)
	}
	return t
}

func isEmptyRow(cells []string) bool {
	for _, value := range cells {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}

func readXLSX(data []byte) ([]sheetRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadableWorkbook, "open xlsx: %v", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadableWorkbook, "read rows: %v", err)
	}
	rows := make([]sheetRow, len(cells))
	for i, values := range cells {
		rows[i] = sheetRow{number: i + 1, cells: values}
	}
	return rows, nil
}

func readCSV(data []byte) ([]sheetRow, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}
	firstLine, _ := reader.Peek(min(reader.Buffered(), 4096))

	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	csvReader.Comma = detectDelimiter(firstLine)

	var rows []sheetRow
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrUnreadableWorkbook, "read csv: %v", err)
		}
		line, _ := csvReader.FieldPos(0)
		rows = append(rows, sheetRow{number: line, cells: record})
	}
	return rows, nil
}

// detectDelimiter picks ';' for exports from locales that use the decimal comma.
func detectDelimiter(head []byte) rune {
	if idx := bytes.IndexByte(head, '\n'); idx >= 0 {
		head = head[:idx]
	}
	if bytes.Count(head, []byte{';'}) > bytes.Count(head, []byte{','}) {
		return ';'
	}
	return ','
}
