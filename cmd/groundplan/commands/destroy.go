package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear down every resource recorded in state",
		Long: `Destroy removes all recorded resources, dependents first, and clears
their state entries. Resources already gone from the cloud are treated
as destroyed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if !autoApprove && !confirm("Destroy all recorded resources?") {
				fmt.Println("Destroy cancelled.")
				return nil
			}

			started := time.Now().UTC()
			runID := uuid.NewString()
			st, destroyErr := rt.runner.Destroy(cmd.Context())
			recordRun(cmd.Context(), rt, runID, "destroy", started, destroyErr)

			if destroyErr != nil {
				return fmt.Errorf("destroy stopped with %d resource(s) remaining: %w", len(st), destroyErr)
			}

			fmt.Println("Destroy complete. State is empty.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")
	return cmd
}
