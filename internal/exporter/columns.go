package exporter

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"varianceiq/pkg/contracts/domain"
)

// maxSheetName is Excel's limit on worksheet names, in characters.
const maxSheetName = 31

// VarianceColumns returns the header for a form's variance rows: the well-known
// columns first, then every other column seen in any row, sorted.
func VarianceColumns(rows []domain.VarianceRow) []string {
	known := make(map[string]bool, len(domain.KnownVarianceColumns))
	cols := make([]string, 0, len(domain.KnownVarianceColumns))
	for _, c := range domain.KnownVarianceColumns {
		known[c] = true
		cols = append(cols, c)
	}

	extra := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			if !known[k] {
				extra[k] = struct{}{}
			}
		}
	}
	rest := make([]string, 0, len(extra))
	for k := range extra {
		rest = append(rest, k)
	}
	sort.Strings(rest)

	return append(cols, rest...)
}

// varianceRecord renders one row as text in column order.
func varianceRecord(row domain.VarianceRow, cols []string) []string {
	rec := make([]string, len(cols))
	for i, c := range cols {
		rec[i] = row.String(c)
	}
	return rec
}

// referencedCells renders the cells of a validation rule as "CELL=value; ...".
func referencedCells(cells []domain.Cell) string {
	parts := make([]string, 0, len(cells))
	for _, c := range cells {
		if c.Value == nil {
			parts = append(parts, c.Cell)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", c.Cell, domain.FormatValue(c.Value)))
	}
	return strings.Join(parts, "; ")
}

// sheetNamer hands out worksheet names that satisfy Excel's rules and never
// collide, ignoring case.
type sheetNamer struct {
	used map[string]bool
}

func newSheetNamer(reserved ...string) *sheetNamer {
	n := &sheetNamer{used: map[string]bool{}}
	for _, r := range reserved {
		n.used[strings.ToLower(r)] = true
	}
	return n
}

func (n *sheetNamer) next(name string) string {
	base := sanitizeSheetName(name)
	candidate := base
	for i := 2; n.used[strings.ToLower(candidate)]; i++ {
		suffix := fmt.Sprintf(" (%d)", i)
		candidate = truncateRunes(base, maxSheetName-len(suffix)) + suffix
	}
	n.used[strings.ToLower(candidate)] = true
	return candidate
}

func sanitizeSheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(strings.TrimSpace(name), "'")
	if name == "" {
		name = "Sheet"
	}
	return truncateRunes(name, maxSheetName)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:n]), " '")
}

// fileSafe turns a form code into something usable as a file name.
func fileSafe(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, strings.TrimSpace(s))
	if s == "" || strings.Trim(s, ".") == "" {
		return "form"
	}
	return s
}

// sortedResults orders results by form code so exports are deterministic.
func sortedResults(results []domain.AnalysisResult) []domain.AnalysisResult {
	out := make([]domain.AnalysisResult, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool { return out[i].FormCode < out[j].FormCode })
	return out
}
