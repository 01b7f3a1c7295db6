package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"varianceiq/internal/infrastructure"
	"varianceiq/internal/services"
)

type analyzeCmd struct {
	root        *rootCmd
	baseDate    string
	returnsFile string
	forms       []string
	concurrency int
	outDir      string
	csv         bool
	noPersist   bool
	quiet       bool
}

func newAnalyzeCmd(root *rootCmd) *cobra.Command {
	ac := &analyzeCmd{root: root}
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run a variance analysis for a base date",
		Long: `Compares every configured return (or the --forms subset) submitted for the
base date with its comparison instance, then writes a workbook and records
the run in the history database. Ctrl-C cancels the run and keeps the
forms that already finished.`,
		Args: cobra.NoArgs,
		RunE: ac.run,
	}

	f := cmd.Flags()
	f.StringVar(&ac.baseDate, "base-date", "", "Reference date of the base instances (YYYY-MM-DD)")
	f.StringVar(&ac.returnsFile, "returns", "", "Returns file (overrides analysis.returns_file)")
	f.StringSliceVar(&ac.forms, "forms", nil, "Comma separated form codes to analyse (default: all)")
	f.IntVar(&ac.concurrency, "concurrency", 0, "Forms analysed in parallel (default: analysis.concurrency)")
	f.StringVar(&ac.outDir, "out", "", "Directory for the workbook (default: the reports directory)")
	f.BoolVar(&ac.csv, "csv", false, "Also write one CSV per form")
	f.BoolVar(&ac.noPersist, "no-persist", false, "Keep the run out of the history database")
	f.BoolVarP(&ac.quiet, "quiet", "q", false, "Do not print progress")
	_ = cmd.MarkFlagRequired("base-date")

	return cmd
}

func (ac *analyzeCmd) run(cmd *cobra.Command, _ []string) error {
	rt, err := ac.root.runtime()
	if err != nil {
		return err
	}

	if ac.returnsFile != "" {
		abs, err := filepath.Abs(ac.returnsFile)
		if err != nil {
			return fmt.Errorf("resolve returns file: %w", err)
		}
		rt.Paths.ReturnsFile = abs
	}
	returns, err := rt.LoadReturns()
	if err != nil {
		return err
	}

	gw, err := rt.NewGateway()
	if err != nil {
		return fmt.Errorf("failed to create gateway client: %w", err)
	}
	analyzer, err := rt.NewAnalyzer(gw, ac.concurrency)
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = infrastructure.EnsureTraceID(ctx)

	history, err := rt.OpenStore(ctx, !ac.noPersist)
	if err != nil {
		return err
	}
	defer history.Close()

	var publisher services.RunPublisher
	if !ac.quiet {
		publisher = newConsoleProgress(cmd.ErrOrStderr())
	}

	svc, err := services.NewRunService(services.RunServiceConfig{
		Analyzer:   analyzer,
		Store:      history,
		Publisher:  publisher,
		Paths:      rt.Paths,
		Returns:    returns,
		WriteCSV:   rt.Config.Analysis.WriteCSV,
		RunTimeout: rt.Config.Analysis.RunTimeout,
		Logger:     rt.Logger,
	})
	if err != nil {
		return err
	}

	result, runErr := svc.Execute(ctx, services.RunRequest{
		BaseDate:  ac.baseDate,
		Forms:     ac.forms,
		OutputDir: ac.outDir,
		WriteCSV:  ac.csv,
	})
	if result != nil {
		printRunResult(ac.root.stdout, result)
	}
	return runErr
}
