package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Paths contains every resolved application path. It is the single source of
// truth for where reports, logs and the database live.
type Paths struct {
	BaseDir      string
	DataDir      string
	ReportsDir   string
	LogsDir      string
	DatabaseFile string
	ReturnsFile  string
}

// ResolvePaths turns the configured, possibly relative, locations into absolute
// paths. Relative entries are joined to Paths.BaseDir, or to the working
// directory when no base is configured.
func (c *Config) ResolvePaths() (*Paths, error) {
	base := c.Paths.BaseDir
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		base = wd
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	return &Paths{
		BaseDir:      base,
		DataDir:      resolve(c.Paths.DataDir),
		ReportsDir:   resolve(c.Paths.ReportsDir),
		LogsDir:      resolve(c.Paths.LogsDir),
		DatabaseFile: resolve(c.Storage.DatabasePath),
		ReturnsFile:  resolve(c.Analysis.ReturnsFile),
	}, nil
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	directories := []string{p.DataDir, p.ReportsDir, p.LogsDir}
	if p.DatabaseFile != "" {
		directories = append(directories, filepath.Dir(p.DatabaseFile))
	}

	for _, dir := range directories {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// GetRunReportDir is the directory holding every artifact of one run.
func (p *Paths) GetRunReportDir(baseDate, runID string) string {
	return filepath.Join(p.ReportsDir, fmt.Sprintf("%s_%s", baseDate, shortID(runID)))
}

// GetWorkbookPath returns the workbook location for a run.
func (p *Paths) GetWorkbookPath(baseDate, runID string) string {
	return filepath.Join(p.GetRunReportDir(baseDate, runID),
		fmt.Sprintf("%s_%s%s", WorkbookPrefix, baseDate, WorkbookExt))
}

// GetWorkbookPathAt places a workbook for baseDate in dir, stamped with the
// generation time. Used by the CLI when an explicit output directory is given.
func GetWorkbookPathAt(dir, baseDate string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s%s", WorkbookPrefix, baseDate, at.Format("20060102T150405"), WorkbookExt))
}

// LogPathResolution logs the resolved paths for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	if logger == nil {
		return
	}
	logger.Debug("path_resolution",
		slog.Group("directories",
			slog.String("base", p.BaseDir),
			slog.String("data", p.DataDir),
			slog.String("reports", p.ReportsDir),
			slog.String("logs", p.LogsDir),
		),
		slog.Group("files",
			slog.String("database", p.DatabaseFile),
			slog.String("returns", p.ReturnsFile),
		))
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
