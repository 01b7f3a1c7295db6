package testutil

import (
	"fmt"

	"varianceiq/pkg/contracts/domain"
)

// Result builds an analysis result for code with the given number of
// variance rows and failed rules.
func Result(code string, variances, failures int) domain.AnalysisResult {
	res := domain.AnalysisResult{
		FormName:           "Form " + code,
		FormCode:           code,
		Confirmed:          true,
		BaseInstance:       domain.Instance{ID: code + "@2025-06-30", ReferenceDate: "2025-06-30"},
		ComparisonInstance: domain.Instance{ID: code + "@2025-03-31", ReferenceDate: "2025-03-31"},
		ComparisonMatch:    domain.MatchTypeBefore,
		ComparisonGapDays:  91,
		Variances:          make([]domain.VarianceRow, 0, variances),
		ValidationsErrors:  make([]domain.ValidationResult, 0, failures),
	}
	for i := 0; i < variances; i++ {
		res.Variances = append(res.Variances, domain.VarianceRow{
			domain.ColumnCellReference:   fmt.Sprintf("R%03dC010", (i+1)*10),
			domain.ColumnCellDescription: fmt.Sprintf("Line %d", i+1),
			domain.ColumnDifference:      float64(i + 1),
		})
	}
	for i := 0; i < failures; i++ {
		res.ValidationsErrors = append(res.ValidationsErrors, domain.ValidationResult{
			Severity:   "Error",
			Expression: fmt.Sprintf("R%03dC010 >= 0", (i+1)*10),
			Status:     "Fail",
			Message:    "negative value",
		})
	}
	return res
}

// Returns builds return configurations for the given form codes.
func Returns(codes ...string) []domain.ReturnConfig {
	out := make([]domain.ReturnConfig, 0, len(codes))
	for _, c := range codes {
		out = append(out, domain.ReturnConfig{Code: c, Name: "Form " + c})
	}
	return out
}
