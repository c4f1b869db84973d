package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newShutdownCmd(ctx *context) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop every unit and exit the supervisor and launcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			res, err := client.Shutdown(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shutdown requested: %s\n", res.Reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator", "Reason recorded in the logs")
	return cmd
}
