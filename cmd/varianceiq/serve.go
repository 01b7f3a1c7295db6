package main

import (
	"github.com/spf13/cobra"

	"varianceiq/internal/app"
)

func newServeCmd(root *rootCmd) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and websocket progress feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := root.runtime()
			if err != nil {
				return err
			}
			srv, err := app.NewApplication(cmd.Context(), rt)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}
