package spreadsheet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/assetimport/internal/domain"
)

func workbook(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	for i, row := range rows {
		if row == nil {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func assetMapping() domain.ColumnMapping {
	return domain.ColumnMapping{
		domain.FieldProperty:           "Liegenschaft",
		domain.FieldBuilding:           "Gebäude",
		domain.FieldAssetName:          "Bezeichnung",
		domain.FieldClassificationCode: "Klasse",
		domain.FieldStatus:             "Status",
		domain.FieldCondition:          "Zustand",
	}
}

var assetHeader = []any{"Liegenschaft", "Gebäude", "Bezeichnung", "Klasse", "Status", "Zustand", "hersteller", "anschluss.spannung"}

func TestParseFileMapsFieldsAndMetadata(t *testing.T) {
	data := workbook(t,
		assetHeader,
		[]any{"Campus Nord", "Haus A", "Kessel 1", "HZ001", "In Betrieb", "7", "Viessmann", "230"},
		nil,
		[]any{"Campus Nord", "Haus B", "Kessel 2", "HZ001", "defekt", "0,4", "Buderus"},
	)

	records, err := NewParser(DefaultConfig()).ParseFile(data, assetMapping())
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, 2, first.RowNumber)
	assert.Equal(t, "Campus Nord", first.Value(domain.FieldProperty))
	assert.Equal(t, "Kessel 1", first.Value(domain.FieldAssetName))
	assert.Equal(t, domain.AssetStatusActive, first.Value(domain.FieldStatus))
	assert.Equal(t, "5", first.Value(domain.FieldCondition))
	assert.Equal(t, map[string]string{"hersteller": "Viessmann", "anschluss.spannung": "230"}, first.Metadata)

	second := records[1]
	assert.Equal(t, 4, second.RowNumber)
	assert.Equal(t, domain.AssetStatusDefective, second.Value(domain.FieldStatus))
	assert.Equal(t, "1", second.Value(domain.FieldCondition))
	assert.Equal(t, map[string]string{"hersteller": "Buderus"}, second.Metadata)
}

func TestParseFileHeaderMatchIsCaseInsensitive(t *testing.T) {
	data := workbook(t, assetHeader, []any{"P", "B", "A", "HZ001"})
	mapping := assetMapping()
	mapping[domain.FieldProperty] = "  liegenschaft "

	records, err := NewParser(DefaultConfig()).ParseFile(data, mapping)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "P", records[0].Value(domain.FieldProperty))
}

func TestParseFileEmptyInput(t *testing.T) {
	parser := NewParser(DefaultConfig())

	records, err := parser.ParseFile(nil, assetMapping())
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = parser.ParseFile(workbook(t, assetHeader), assetMapping())
	require.NoError(t, err)
	assert.Empty(t, records)

	report, err := parser.ValidateStructure(nil, assetMapping())
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Zero(t, report.TotalRows)
}

func TestParseFileUnreadableWorkbook(t *testing.T) {
	parser := NewParser(DefaultConfig())
	for name, payload := range map[string][]byte{
		"binary":     {0x00, 0x01, 0x02, 0xff, 0xfe, 0x00, 0x10},
		"broken zip": append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0x00}, 64)...),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parser.ParseFile(payload, assetMapping())
			require.ErrorIs(t, err, ErrUnreadableWorkbook)

			report, err := parser.ValidateStructure(payload, assetMapping())
			require.ErrorIs(t, err, ErrUnreadableWorkbook)
			assert.False(t, report.IsValid)
		})
	}
}

func TestRowCeilingRejectsBeforeProcessing(t *testing.T) {
	data := workbook(t, assetHeader,
		[]any{"P", "B", "A1", "HZ001"},
		[]any{"P", "B", "A2", "HZ001"},
		[]any{"P", "B", "A3", "HZ001"},
	)
	parser := NewParser(Config{MaxRows: 2})

	_, err := parser.ParseFile(data, assetMapping())
	require.ErrorIs(t, err, ErrTooManyRows)

	report, err := parser.ValidateStructure(data, assetMapping())
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Equal(t, 3, report.TotalRows)
	assert.Equal(t, []string{"File has 3 rows, maximum is 2"}, report.Errors)
}

func TestValidateStructureMissingColumn(t *testing.T) {
	data := workbook(t, assetHeader, []any{"P", "B", "A", "HZ001"})
	mapping := assetMapping()
	mapping[domain.FieldAssetName] = "Bezeichung"
	delete(mapping, domain.FieldClassificationCode)

	report, err := NewParser(DefaultConfig()).ValidateStructure(data, mapping)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	require.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0], "classification_code")
	assert.Contains(t, report.Errors[1], `column "Bezeichung"`)
	assert.Contains(t, report.Errors[1], `did you mean "Bezeichnung"?`)

	_, err = NewParser(DefaultConfig()).ParseFile(data, mapping)
	require.Error(t, err)
}

func TestValidateStructureSamplesPrefix(t *testing.T) {
	data := workbook(t, assetHeader,
		[]any{"P", "", "A1", "HZ001", "verschollen", "9"},
		[]any{"P", "B", "A2", "HZ001", "aktiv", "abc"},
	)

	report, err := NewParser(Config{SampleRows: 1}).ValidateStructure(data, assetMapping())
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 2, report.TotalRows)
	assert.Equal(t, []string{
		"Row 2: required field building is empty",
		`Row 2: unknown status "verschollen"`,
		"Row 2: condition 9 clamped to 5",
	}, report.Warnings)

	report, err = NewParser(DefaultConfig()).ValidateStructure(data, assetMapping())
	require.NoError(t, err)
	assert.Contains(t, report.Warnings, `Row 3: condition "abc" is not a number`)
}

func TestParseCSVWithBOMAndSemicolons(t *testing.T) {
	data := []byte("\xEF\xBB\xBFLiegenschaft;Gebäude;Bezeichnung;Klasse;leistung\nP;B;A1;HZ001;24,5\n\nP;B;A2;HZ001;30\n")
	mapping := assetMapping()
	delete(mapping, domain.FieldStatus)
	delete(mapping, domain.FieldCondition)

	records, err := NewParser(DefaultConfig()).ParseFile(data, mapping)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].RowNumber)
	assert.Equal(t, 4, records[1].RowNumber)
	assert.Equal(t, "P", records[0].Value(domain.FieldProperty))
	assert.Equal(t, "24,5", records[0].Metadata["leistung"])
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatXLSX, DetectFormat("upload.bin", workbook(t, assetHeader)))
	assert.Equal(t, FormatCSV, DetectFormat("", []byte("a,b\n1,2\n")))
	assert.Equal(t, FormatXLSX, DetectFormat("Assets.XLSX", nil))
	assert.Equal(t, FormatUnknown, DetectFormat("assets.pdf", []byte{0x00, 0x01, 0xff}))
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"Aktiv":           domain.AssetStatusActive,
		"  in   Betrieb ": domain.AssetStatusActive,
		"Außer Betrieb":   domain.AssetStatusInactive,
		"WARTUNG":         domain.AssetStatusMaintenance,
		"stillgelegt":     domain.AssetStatusDecommissioned,
	}
	for raw, want := range cases {
		got, ok := NormalizeStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := NormalizeStatus("verschollen")
	assert.False(t, ok)
}

func TestClampCondition(t *testing.T) {
	cases := []struct {
		raw     string
		score   int
		clamped bool
	}{
		{"3", 3, false},
		{"2,6", 3, false},
		{"0", 1, true},
		{"7", 5, true},
		{"-4", 1, true},
		{"9223372036854775808", 5, true},
		{"10000000000000000000", 5, true},
		{"-10000000000000000000", 1, true},
	}
	for _, tc := range cases {
		score, clamped, err := ClampCondition(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.score, score, tc.raw)
		assert.Equal(t, tc.clamped, clamped, tc.raw)
	}

	_, _, err := ClampCondition("gut")
	assert.Error(t, err)
}

func TestGenerateErrorReport(t *testing.T) {
	report, err := GenerateErrorReport([]domain.RowError{
		{Row: 0, Message: "File has 3 rows, maximum is 2"},
		{Row: 5, Field: "hersteller", Message: "Required field missing: hersteller", Data: map[string]string{"typ": "Gas", "baujahr": "2015"}},
	})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(report))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.Equal(t, []string{errorSheet}, f.GetSheetList())

	rows, err := f.GetRows(errorSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Row", "Field", "Message", "Data"}, rows[0])
	assert.Equal(t, []string{"file", "", "File has 3 rows, maximum is 2"}, rows[1])
	assert.Equal(t, []string{"5", "hersteller", "Required field missing: hersteller", "baujahr=2015; typ=Gas"}, rows[2])
}
