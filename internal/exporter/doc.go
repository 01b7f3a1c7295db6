// Package exporter writes analysis results to disk.
//
// WorkbookWriter produces the xlsx report: a Summary sheet, one sheet of
// variance rows per form and a Validations sheet listing every failed rule.
// CSVWriter produces the same data as UTF-8 CSV files with a byte order mark
// so spreadsheet applications open them with the right encoding.
//
//	w := exporter.NewWorkbookWriter(logger)
//	err := w.Write(path, exporter.WorkbookMeta{RunID: id, BaseDate: "2025-06-30"}, results)
package exporter
