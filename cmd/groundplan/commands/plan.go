package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/groundplan/groundplan/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Preview the actions an apply would take",
		Long: `Plan compares the configuration against the recorded state and prints
the per-resource actions an apply would take. No cloud calls are made.`,
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

			actions, err := rt.runner.Plan(cmd.Context(), snap)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(actions)
			}

			printPlan(actions)
			return nil
		},
	}
}

func printPlan(actions []engine.PlannedAction) {
	changes := 0
	for _, a := range actions {
		if a.Action != engine.ActionNoop {
			changes++
		}
	}
	if changes == 0 {
		fmt.Println("No changes. The recorded state matches the configuration.")
		return
	}

	fmt.Printf("Plan: %d change(s)\n\n", changes)
	for _, a := range actions {
		switch a.Action {
		case engine.ActionNoop:
			fmt.Printf("  = %-16s up to date\n", a.Kind)
		case engine.ActionUpdate:
			fmt.Printf("  ~ %-16s update (%s)\n", a.Kind, strings.Join(a.Changed, ", "))
		case engine.ActionReplace:
			fmt.Printf("  ± %-16s replace (%s)\n", a.Kind, strings.Join(a.Changed, ", "))
		case engine.ActionDestroy:
			fmt.Printf("  - %-16s destroy\n", a.Kind)
		default:
			fmt.Printf("  + %-16s create\n", a.Kind)
		}
	}
}
