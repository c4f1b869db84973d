package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/config"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with host and service configuration",
	}
	cmd.AddCommand(newConfigValidateCmd(ctx))
	return cmd
}

func newConfigValidateCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [spec.yaml...]",
		Short: "Validate warden.yaml and service specs",
		Long: "Validate the host configuration and the given service specs. " +
			"Without arguments every spec in spec_dir is checked, including " +
			"port collisions between units.",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, path, err := ctx.loadHost()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", path)

			var specs []*config.ServiceSpec
			var errs []error
			if len(args) == 0 {
				specs, err = config.LoadSpecDir(host.SpecDir)
				if err != nil {
					errs = append(errs, err)
				}
			} else {
				for _, arg := range args {
					spec, err := config.LoadService(arg)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					specs = append(specs, spec)
				}
			}
			for _, spec := range specs {
				fmt.Fprintf(out, "%s: ok (%s)\n", spec.Source, spec.Name)
			}
			if err := config.ValidatePortCollisions(specs); err != nil {
				errs = append(errs, err)
			}
			if err := errors.Join(errs...); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			return nil
		},
	}
	return cmd
}
