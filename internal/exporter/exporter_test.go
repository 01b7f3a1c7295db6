package exporter

import (
	"bytes"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"varianceiq/pkg/contracts/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleResults() []domain.AnalysisResult {
	return []domain.AnalysisResult{
		{
			FormName:           "Liquidity",
			FormCode:           "LQ2",
			BaseInstance:       domain.Instance{ID: "lq-b", ReferenceDate: "2025-06-30"},
			ComparisonInstance: domain.Instance{ID: "lq-a", ReferenceDate: "2025-03-31"},
			ComparisonMatch:    domain.MatchTypeBefore,
			ComparisonGapDays:  91,
			Variances:          []domain.VarianceRow{},
			ValidationsErrors:  []domain.ValidationResult{},
		},
		{
			FormName:           "Capital Adequacy",
			FormCode:           "CA1",
			Confirmed:          true,
			BaseInstance:       domain.Instance{ID: "ca-b", ReferenceDate: "2025-06-30"},
			ComparisonInstance: domain.Instance{ID: "ca-a", ReferenceDate: "2025-03-31"},
			ComparisonMatch:    domain.MatchTypeExact,
			ComparisonGapDays:  91,
			Variances: []domain.VarianceRow{
				{
					domain.ColumnCellReference:     "R010C010",
					domain.ColumnCellDescription:   "Total assets",
					domain.ColumnDifference:        120.5,
					domain.ColumnPercentDifference: "4%",
					"Zeta":                         "z",
					"Alpha":                        1.0,
				},
				{
					domain.ColumnCellReference: "R020C010",
					domain.ColumnDifference:    -3.0,
				},
			},
			ValidationsErrors: []domain.ValidationResult{
				{
					Severity:   "Error",
					Expression: "R010C010 = R020C010",
					Status:     "Fail",
					Message:    "totals differ",
					ReferencedCells: []domain.Cell{
						{Cell: "R010C010", Value: 5.0},
						{Cell: "R020C010"},
					},
				},
			},
		},
	}
}

func TestVarianceColumns(t *testing.T) {
	cols := VarianceColumns(sampleResults()[1].Variances)
	assert.Equal(t, []string{
		domain.ColumnCellReference, domain.ColumnCellDescription,
		domain.ColumnDifference, domain.ColumnPercentDifference,
		"Alpha", "Zeta",
	}, cols)

	assert.Equal(t, domain.KnownVarianceColumns, VarianceColumns(nil))
}

func TestSheetNamer(t *testing.T) {
	n := newSheetNamer(SummarySheet, ValidationsSheet)

	assert.Equal(t, "CA1", n.next("CA1"))
	assert.Equal(t, "ca1 (2)", n.next("ca1"))
	assert.Equal(t, "summary (2)", n.next("summary"))
	assert.Equal(t, "a_b_c_d", n.next("a/b?c*d"))
	assert.Equal(t, "Sheet", n.next("''"))

	long := strings.Repeat("x", 40)
	first := n.next(long)
	second := n.next(long)
	assert.Len(t, first, maxSheetName)
	assert.Len(t, second, maxSheetName)
	assert.True(t, strings.HasSuffix(second, " (2)"))
	assert.NotEqual(t, first, second)
}

func TestFileSafe(t *testing.T) {
	assert.Equal(t, "CA1", fileSafe("CA1"))
	assert.Equal(t, "C_A_1", fileSafe("C/A 1"))
	assert.Equal(t, "form", fileSafe(".."))
	assert.Equal(t, "form", fileSafe(" "))
}

func TestReferencedCells(t *testing.T) {
	assert.Equal(t, "A=5; B; C=x", referencedCells([]domain.Cell{{Cell: "A", Value: 5.0}, {Cell: "B"}, {Cell: "C", Value: "x"}}))
	assert.Equal(t, "", referencedCells(nil))
}

func TestWorkbookWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "variance.xlsx")
	w := NewWorkbookWriter(quietLogger())

	meta := WorkbookMeta{RunID: "run-1", BaseDate: "2025-06-30", GeneratedAt: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, w.Write(path, meta, sampleResults()))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SummarySheet, "CA1", "LQ2", ValidationsSheet}, f.GetSheetList())

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(summary), 3)
	assert.Equal(t, summaryHeaders, summary[0])
	assert.Equal(t, "CA1", summary[1][0])
	assert.Equal(t, "Yes", summary[1][2])
	assert.Equal(t, "exact", summary[1][7])
	assert.Equal(t, "2", summary[1][9])
	assert.Equal(t, "1", summary[1][10])
	assert.Equal(t, "LQ2", summary[2][0])
	assert.Equal(t, "0", summary[2][9])

	var runRow []string
	for _, r := range summary {
		if len(r) > 1 && r[0] == "Run" {
			runRow = r
		}
	}
	assert.Equal(t, []string{"Run", "run-1"}, runRow)

	variances, err := f.GetRows("CA1")
	require.NoError(t, err)
	require.Len(t, variances, 3)
	assert.Equal(t, []string{"Cell Reference", "Cell Description", "Difference", "% Difference", "Alpha", "Zeta"}, variances[0])
	assert.Equal(t, "R010C010", variances[1][0])
	assert.Equal(t, "120.5", variances[1][2])
	assert.Equal(t, "4%", variances[1][3])
	assert.Equal(t, "z", variances[1][5])

	empty, err := f.GetRows("LQ2")
	require.NoError(t, err)
	require.Len(t, empty, 1, "header only")

	validations, err := f.GetRows(ValidationsSheet)
	require.NoError(t, err)
	require.Len(t, validations, 2)
	assert.Equal(t, []string{"CA1", "Capital Adequacy", "ca-b", "Error", "R010C010 = R020C010", "Fail", "totals differ", "R010C010=5; R020C010"}, validations[1])
}

func TestWorkbookWriterNoResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, NewWorkbookWriter(quietLogger()).Write(path, WorkbookMeta{BaseDate: "2025-06-30"}, nil))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{SummarySheet, ValidationsSheet}, f.GetSheetList())
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, utf8BOM), "missing BOM in %s", path)

	records, err := csv.NewReader(bytes.NewReader(data[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSVExportResults(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, quietLogger())

	files, err := w.ExportResults(sampleResults())
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "CA1_variances.csv"),
		filepath.Join(dir, "LQ2_variances.csv"),
		filepath.Join(dir, ValidationsCSV),
	}, files)

	ca := readCSV(t, files[0])
	require.Len(t, ca, 3)
	assert.Equal(t, "Alpha", ca[0][4])
	assert.Equal(t, []string{"R020C010", "", "-3", "", "", ""}, ca[2])

	lq := readCSV(t, files[1])
	assert.Len(t, lq, 1)

	val := readCSV(t, files[2])
	require.Len(t, val, 2)
	assert.Equal(t, validationHeaders, val[0])
	assert.Equal(t, "CA1", val[1][0])
}

func TestCSVExportDuplicateCodes(t *testing.T) {
	dir := t.TempDir()
	results := []domain.AnalysisResult{{FormCode: "A/1"}, {FormCode: "A 1"}}

	files, err := NewCSVWriter(dir, quietLogger()).ExportResults(results)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.NotEqual(t, files[0], files[1])
	assert.FileExists(t, filepath.Join(dir, "A_1_variances.csv"))
	assert.FileExists(t, filepath.Join(dir, "A_1_2_variances.csv"))
}

func TestWriteCSVAppend(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, quietLogger())

	require.NoError(t, w.WriteCSV("out.csv", WriteOptions{Headers: []string{"a", "b"}, Records: [][]string{{"1", "2"}}, BOMPrefix: true}))
	require.NoError(t, w.WriteCSV("out.csv", WriteOptions{Records: [][]string{{"3", "4"}}, Append: true}))

	records := readCSV(t, filepath.Join(dir, "out.csv"))
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}, {"3", "4"}}, records)
}
