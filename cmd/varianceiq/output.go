package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"varianceiq/internal/exporter"
	"varianceiq/internal/services"
	"varianceiq/pkg/contracts/domain"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printRunResult(w io.Writer, result *services.RunResult) {
	printRunHeader(w, result.Run)
	for _, f := range result.CSVFiles {
		fmt.Fprintf(w, "CSV:\t%s\n", f)
	}
	if len(result.Results) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := newTable(w)
	fmt.Fprintln(tw, "FORM\tNAME\tBASE\tCOMPARISON\tMATCH\tGAP\tVARIANCES\tFAILED RULES")
	for _, r := range result.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.FormCode, r.FormName,
			r.BaseInstance.ReferenceDate, r.ComparisonInstance.ReferenceDate,
			r.ComparisonMatch, r.ComparisonGapDays,
			len(r.Variances), len(r.ValidationsErrors))
	}
	tw.Flush()
}

func printRunHeader(w io.Writer, run domain.Run) {
	tw := newTable(w)
	fmt.Fprintf(tw, "Run:\t%s\n", run.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", run.Status)
	fmt.Fprintf(tw, "Base date:\t%s\n", run.BaseDate)
	fmt.Fprintf(tw, "Forms:\t%d of %d analysed\n", run.FormsAnalyzed, run.FormsRequested)
	fmt.Fprintf(tw, "Variances:\t%d\n", run.VarianceCount)
	fmt.Fprintf(tw, "Failed rules:\t%d\n", run.FailedRules)
	fmt.Fprintf(tw, "Started:\t%s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.CompletedAt != nil {
		fmt.Fprintf(tw, "Duration:\t%s\n", run.Duration().Round(time.Millisecond))
	}
	if run.WorkbookPath != "" {
		fmt.Fprintf(tw, "Workbook:\t%s\n", run.WorkbookPath)
	}
	if run.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", run.Error)
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []domain.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tBASE DATE\tSTATUS\tFORMS\tVARIANCES\tFAILED RULES\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.BaseDate, r.Status, r.FormsAnalyzed, r.FormsRequested,
			r.VarianceCount, r.FailedRules, r.StartedAt.Local().Format(time.DateTime), duration)
	}
	tw.Flush()
}

func printRunDetail(w io.Writer, detail *domain.RunDetail) {
	printRunHeader(w, detail.Run)
	if len(detail.Forms) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := newTable(w)
	fmt.Fprintln(tw, "FORM\tNAME\tCONFIRMED\tBASE\tCOMPARISON\tMATCH\tGAP\tVARIANCES\tFAILED RULES")
	for _, f := range detail.Forms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			f.FormCode, f.FormName, yesNo(f.Confirmed),
			f.BaseDate, f.ComparisonDate, f.ComparisonMatch, f.ComparisonGapDays,
			f.VarianceCount, f.ValidationFailures)
	}
	tw.Flush()
}

func printFormDetail(w io.Writer, detail *domain.RunFormDetail) {
	fmt.Fprintf(w, "%s %s: %s (%s) against %s (%s), %s match\n\n",
		detail.FormCode, detail.FormName,
		detail.BaseInstanceID, detail.BaseDate,
		detail.ComparisonID, detail.ComparisonDate, detail.ComparisonMatch)

	cols := exporter.VarianceColumns(detail.Variances)
	tw := newTable(w)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for _, row := range detail.Variances {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = row.String(c)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()

	if len(detail.FailedRules) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintln(tw, "SEVERITY\tEXPRESSION\tMESSAGE")
	for _, v := range detail.FailedRules {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Severity, v.Expression, v.Message)
	}
	tw.Flush()
}

func printInstanceReport(w io.Writer, report *services.InstanceReport) {
	fmt.Fprintf(w, "Form %s", report.FormCode)
	if report.Date != "" {
		fmt.Fprintf(w, ", date %s", report.Date)
	}
	if report.ExpectedDate != "" {
		fmt.Fprintf(w, ", expected comparison %s", report.ExpectedDate)
	}
	fmt.Fprintf(w, ": %d instances\n\n", len(report.Instances))

	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tREFERENCE DATE\tROLE")
	for _, inst := range report.Instances {
		role := ""
		switch {
		case report.Base != nil && report.Base.Instance.ID == inst.ID:
			role = "base"
		case report.Comparison != nil && report.Comparison.Instance.ID == inst.ID:
			role = fmt.Sprintf("comparison (%s, %d days)", report.Comparison.MatchType, report.Comparison.DaysDifference)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", inst.ID, inst.ReferenceDate, role)
	}
	tw.Flush()

	if report.SelectionError != "" {
		fmt.Fprintf(w, "\nselection: %s\n", report.SelectionError)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
