package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/launcher"
)

func newLaunchCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run the privileged launcher and its supervisor",
		Long: "Run the privileged launcher. It spawns the unprivileged supervisor, " +
			"serves its process requests, respawns it after a crash and " +
			"terminates every unit process group on exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := ctx.logger()
			host, hostPath, err := ctx.loadHost()
			if err != nil {
				return err
			}
			if _, err := os.Stat(hostPath); err != nil {
				hostPath = ""
			} else if abs, err := filepath.Abs(hostPath); err == nil {
				hostPath = abs
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			cfg := launcher.ConfigFromHost(host, exe, hostPath)
			cfg.Logger = log
			if ctx.logLevel != "" {
				cfg.SupervisorArgs = append(cfg.SupervisorArgs, "--log-level", ctx.logLevel)
			}

			return launcher.New(cfg).Run(cmd.Context())
		},
	}
	return cmd
}
