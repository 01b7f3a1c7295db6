package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"varianceiq/internal/app"
	"varianceiq/internal/config"
	"varianceiq/pkg/contracts"
)

const closeTimeout = 10 * time.Second

// rootCmd owns the runtime shared by the subcommands.
type rootCmd struct {
	configPath string
	stdout     io.Writer
	rt         *app.Runtime
}

func newRootCmd(stdout io.Writer) *rootCmd {
	return &rootCmd{stdout: stdout}
}

func (rc *rootCmd) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "Period-over-period variance analysis of regulatory returns",
		Version:       contracts.GetVersionInfo().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&rc.configPath, "config", "c", "",
		"Path to the YAML config file (default: ./config.yaml or ./configs/config.yaml)")

	cmd.AddCommand(
		newAnalyzeCmd(rc),
		newServeCmd(rc),
		newRunsCmd(rc),
		newInstancesCmd(rc),
	)
	return cmd
}

// runtime bootstraps configuration, logging and telemetry on first use.
func (rc *rootCmd) runtime() (*app.Runtime, error) {
	if rc.rt != nil {
		return rc.rt, nil
	}
	rt, err := app.Bootstrap(rc.configPath)
	if err != nil {
		return nil, err
	}
	rc.rt = rt
	return rt, nil
}

func (rc *rootCmd) close() error {
	if rc.rt == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return rc.rt.Close(ctx)
}
