package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"varianceiq/internal/services"
)

type instancesCmd struct {
	root *rootCmd
	date string
}

func newInstancesCmd(root *rootCmd) *cobra.Command {
	ic := &instancesCmd{root: root}
	cmd := &cobra.Command{
		Use:   "instances FORM",
		Short: "List the submitted instances of a form and the pair an analysis would compare",
		Args:  cobra.ExactArgs(1),
		RunE:  ic.run,
	}
	cmd.Flags().StringVar(&ic.date, "date", "", "Base date to resolve the comparison for (YYYY-MM-DD)")
	return cmd
}

func (ic *instancesCmd) run(cmd *cobra.Command, args []string) error {
	rt, err := ic.root.runtime()
	if err != nil {
		return err
	}

	returns, err := rt.LoadReturns()
	if err != nil {
		rt.Logger.Warn("returns_unavailable", slog.String("error", err.Error()))
	}

	gw, err := rt.NewGateway()
	if err != nil {
		return fmt.Errorf("failed to create gateway client: %w", err)
	}

	report, err := services.NewInstanceService(gw, returns, rt.Logger).Inspect(cmd.Context(), args[0], ic.date)
	if err != nil {
		return err
	}
	printInstanceReport(ic.root.stdout, report)
	return nil
}
