package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"varianceiq/internal/config"
	"varianceiq/internal/store"
)

type runsCmd struct {
	root  *rootCmd
	limit int
	form  string
}

func newRunsCmd(root *rootCmd) *cobra.Command {
	rc := &runsCmd{root: root}
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse the run history",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  rc.list,
	}
	list.Flags().IntVar(&rc.limit, "limit", config.DefaultRunsLimit, "Maximum number of runs to show")

	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its forms",
		Args:  cobra.ExactArgs(1),
		RunE:  rc.show,
	}
	show.Flags().StringVar(&rc.form, "form", "", "Show the variance rows and failed rules of one form")

	cmd.AddCommand(list, show)
	return cmd
}

func (rc *runsCmd) openStore(cmd *cobra.Command) (*store.Store, error) {
	rt, err := rc.root.runtime()
	if err != nil {
		return nil, err
	}
	if !rt.Config.Storage.Enabled {
		return nil, errors.New("run history is disabled (storage.enabled is false)")
	}
	return rt.OpenStore(cmd.Context(), true)
}

func (rc *runsCmd) list(cmd *cobra.Command, _ []string) error {
	if rc.limit < 1 || rc.limit > config.MaxRunsLimit {
		return fmt.Errorf("--limit must be between 1 and %d", config.MaxRunsLimit)
	}
	s, err := rc.openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(cmd.Context(), rc.limit)
	if err != nil {
		return err
	}
	printRuns(rc.root.stdout, runs)
	return nil
}

func (rc *runsCmd) show(cmd *cobra.Command, args []string) error {
	s, err := rc.openStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	id := args[0]
	if rc.form != "" {
		detail, err := s.GetRunForm(cmd.Context(), id, rc.form)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("form %s not found in run %s", rc.form, id)
		}
		if err != nil {
			return err
		}
		printFormDetail(rc.root.stdout, detail)
		return nil
	}

	detail, err := s.GetRun(cmd.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return err
	}
	printRunDetail(rc.root.stdout, detail)
	return nil
}
