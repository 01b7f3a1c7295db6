package exporter

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"varianceiq/pkg/contracts/domain"
)

// utf8BOM makes spreadsheet applications detect UTF-8.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ValidationsCSV is the file holding every failed rule of a run.
const ValidationsCSV = "validations.csv"

// CSVWriter writes CSV files under a directory
type CSVWriter struct {
	dir    string
	logger *slog.Logger
}

// NewCSVWriter creates a CSV writer rooted at dir
func NewCSVWriter(dir string, logger *slog.Logger) *CSVWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVWriter{dir: dir, logger: logger.With(slog.String("component", "csv_writer"))}
}

// WriteOptions configures CSV writing behavior
type WriteOptions struct {
	Headers   []string
	Records   [][]string
	Append    bool
	BOMPrefix bool
}

// WriteCSV writes data to a CSV file with the given options
func (w *CSVWriter) WriteCSV(filePath string, options WriteOptions) error {
	fullPath := w.resolvePath(filePath)

	w.logger.Debug("csv_write",
		slog.String("path", fullPath),
		slog.Int("record_count", len(options.Records)))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if options.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(fullPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if options.BOMPrefix && !options.Append {
		if _, err := file.Write(utf8BOM); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(file)

	if !options.Append && len(options.Headers) > 0 {
		if err := writer.Write(options.Headers); err != nil {
			return fmt.Errorf("failed to write headers: %w", err)
		}
	}

	for i, record := range options.Records {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// StreamWriter provides streaming CSV writing for large datasets
type StreamWriter struct {
	file   *os.File
	writer *csv.Writer
}

// CreateStreamWriter creates a BOM-prefixed CSV file and writes its header.
func (w *CSVWriter) CreateStreamWriter(filePath string, headers []string) (*StreamWriter, error) {
	fullPath := w.resolvePath(filePath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := file.Write(utf8BOM); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(file)
	if len(headers) > 0 {
		if err := writer.Write(headers); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write headers: %w", err)
		}
	}

	return &StreamWriter{file: file, writer: writer}, nil
}

// WriteRecord writes a single record to the stream
func (s *StreamWriter) WriteRecord(record []string) error {
	return s.writer.Write(record)
}

// Close flushes and closes the stream writer
func (s *StreamWriter) Close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// ExportResults writes one variance CSV per form plus validations.csv, and
// returns the files written.
func (w *CSVWriter) ExportResults(results []domain.AnalysisResult) ([]string, error) {
	results = sortedResults(results)
	files := make([]string, 0, len(results)+1)

	used := map[string]int{}
	for _, res := range results {
		name := fileSafe(res.FormCode)
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		name += "_variances.csv"

		if err := w.writeVariances(name, res); err != nil {
			return files, fmt.Errorf("failed to export %s: %w", res.FormCode, err)
		}
		files = append(files, w.resolvePath(name))
	}

	var records [][]string
	for _, res := range results {
		for _, v := range res.ValidationsErrors {
			records = append(records, []string{
				res.FormCode, res.FormName, res.BaseInstance.ID,
				v.Severity, v.Expression, v.Status, v.Message, referencedCells(v.ReferencedCells),
			})
		}
	}
	if err := w.WriteCSV(ValidationsCSV, WriteOptions{Headers: validationHeaders, Records: records, BOMPrefix: true}); err != nil {
		return files, fmt.Errorf("failed to export validations: %w", err)
	}
	files = append(files, w.resolvePath(ValidationsCSV))

	w.logger.Info("csv_exported", slog.String("dir", w.dir), slog.Int("files", len(files)))
	return files, nil
}

func (w *CSVWriter) writeVariances(name string, res domain.AnalysisResult) (err error) {
	cols := VarianceColumns(res.Variances)
	sw, err := w.CreateStreamWriter(name, cols)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sw.Close(); err == nil {
			err = cerr
		}
	}()

	for _, row := range res.Variances {
		if err := sw.WriteRecord(varianceRecord(row, cols)); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath joins relative paths to the writer's directory
func (w *CSVWriter) resolvePath(filePath string) string {
	if filepath.IsAbs(filePath) {
		return filePath
	}
	return filepath.Join(w.dir, filePath)
}
