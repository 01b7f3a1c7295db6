package exporter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"varianceiq/pkg/contracts/domain"
)

// Fixed worksheet names.
const (
	SummarySheet     = "Summary"
	ValidationsSheet = "Validations"
)

var summaryHeaders = []string{
	"Form Code", "Form Name", "Confirmed",
	"Base Date", "Base Instance",
	"Comparison Date", "Comparison Instance", "Match", "Gap (days)",
	"Variances", "Failed Rules", "Sheet",
}

var validationHeaders = []string{
	"Form Code", "Form Name", "Instance", "Severity", "Expression", "Status", "Message", "Referenced Cells",
}

// WorkbookMeta describes the run a workbook belongs to.
type WorkbookMeta struct {
	RunID       string
	BaseDate    string
	GeneratedAt time.Time
}

// WorkbookWriter renders analysis results as an xlsx workbook.
type WorkbookWriter struct {
	logger *slog.Logger
}

// NewWorkbookWriter creates a workbook writer
func NewWorkbookWriter(logger *slog.Logger) *WorkbookWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkbookWriter{logger: logger.With(slog.String("component", "workbook_writer"))}
}

// Write saves the workbook for results to path, creating parent directories.
// The workbook always has a Summary sheet and a Validations sheet, with one
// variance sheet per form in between.
func (w *WorkbookWriter) Write(path string, meta WorkbookMeta, results []domain.AnalysisResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := w.Build(meta, results)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}

	w.logger.Info("workbook_written",
		slog.String("path", path),
		slog.String("run_id", meta.RunID),
		slog.String("base_date", meta.BaseDate),
		slog.Int("forms", len(results)))
	return nil
}

// Build assembles the workbook in memory. The caller closes it.
func (w *WorkbookWriter) Build(meta WorkbookMeta, results []domain.AnalysisResult) (*excelize.File, error) {
	f := excelize.NewFile()
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return nil, fmt.Errorf("failed to name summary sheet: %w", err)
	}

	results = sortedResults(results)
	namer := newSheetNamer(SummarySheet, ValidationsSheet)

	summary := make([][]any, 0, len(results))
	for _, res := range results {
		sheet := namer.next(res.FormCode)
		if err := writeVarianceSheet(f, sheet, header, res); err != nil {
			return nil, err
		}
		summary = append(summary, []any{
			res.FormCode, res.FormName, yesNo(res.Confirmed),
			res.BaseInstance.ReferenceDate, res.BaseInstance.ID,
			res.ComparisonInstance.ReferenceDate, res.ComparisonInstance.ID,
			string(res.ComparisonMatch), res.ComparisonGapDays,
			len(res.Variances), len(res.ValidationsErrors), sheet,
		})
	}

	if err := writeTable(f, SummarySheet, header, toAny(summaryHeaders), summary); err != nil {
		return nil, err
	}
	if err := writeMeta(f, meta, len(summary)+3); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(ValidationsSheet); err != nil {
		return nil, fmt.Errorf("failed to create validations sheet: %w", err)
	}
	var failures [][]any
	for _, res := range results {
		for _, v := range res.ValidationsErrors {
			failures = append(failures, []any{
				res.FormCode, res.FormName, res.BaseInstance.ID,
				v.Severity, v.Expression, v.Status, v.Message, referencedCells(v.ReferencedCells),
			})
		}
	}
	if err := writeTable(f, ValidationsSheet, header, toAny(validationHeaders), failures); err != nil {
		return nil, err
	}

	if idx, err := f.GetSheetIndex(SummarySheet); err == nil {
		f.SetActiveSheet(idx)
	}

	ok = true
	return f, nil
}

func writeVarianceSheet(f *excelize.File, sheet string, header int, res domain.AnalysisResult) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %q: %w", sheet, err)
	}

	cols := VarianceColumns(res.Variances)
	rows := make([][]any, 0, len(res.Variances))
	for _, row := range res.Variances {
		vals := make([]any, len(cols))
		for i, c := range cols {
			vals[i] = cellValue(row[c])
		}
		rows = append(rows, vals)
	}
	return writeTable(f, sheet, header, toAny(cols), rows)
}

// writeTable writes a bold header row at A1 followed by rows, and freezes the header.
func writeTable(f *excelize.File, sheet string, style int, headers []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return fmt.Errorf("failed to write header of %q: %w", sheet, err)
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return fmt.Errorf("failed to style header of %q: %w", sheet, err)
	}

	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("failed to write row %d of %q: %w", i+2, sheet, err)
		}
	}

	if len(headers) > 0 {
		last, err := excelize.ColumnNumberToName(len(headers))
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, "A", last, 18); err != nil {
			return err
		}
	}

	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

// writeMeta appends run information below the summary table.
func writeMeta(f *excelize.File, meta WorkbookMeta, row int) error {
	generated := meta.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}
	lines := [][]any{
		{"Run", meta.RunID},
		{"Base Date", meta.BaseDate},
		{"Generated", generated.UTC().Format(time.RFC3339)},
	}
	for i := range lines {
		cell, err := excelize.CoordinatesToCellName(1, row+i)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SummarySheet, cell, &lines[i]); err != nil {
			return fmt.Errorf("failed to write run info: %w", err)
		}
	}
	return nil
}

// cellValue keeps numbers numeric so spreadsheet formulas work on them.
func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return ""
	case float64, float32, int, int64, bool, string:
		return v
	default:
		return domain.FormatValue(v)
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
