package commands

import (
	"github.com/spf13/cobra"
)

func newOutputsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "Print the output values from recorded state",
		Long: `Outputs projects the output map from the state database without any
cloud calls. Outputs for resources that do not exist are null.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot()
			if err != nil {
				return err
			}

			rt, cleanup, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := rt.runner.Outputs(cmd.Context(), snap)
			if err != nil {
				return err
			}

			printOutputs(out)
			return nil
		},
	}
}
