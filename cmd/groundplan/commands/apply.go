package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundplan/groundplan/pkg/engine"
	"github.com/groundplan/groundplan/pkg/state"
)

func newApplyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the cloud resources to match the configuration",
		Long: `Apply evaluates the configuration and creates, updates or replaces the
resources it describes. A failing resource halts only its dependents;
everything that converged stays recorded in state.`,
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

			if !autoApprove {
				actions, err := rt.runner.Plan(cmd.Context(), snap)
				if err != nil {
					return err
				}
				printPlan(actions)
				if !confirm("Apply these changes?") {
					fmt.Println("Apply cancelled.")
					return nil
				}
			}

			started := time.Now().UTC()
			res, applyErr := rt.runner.Apply(cmd.Context(), snap)

			if res != nil {
				recordRun(cmd.Context(), rt, res.RunID, "apply", started, applyErr)
			}

			if applyErr != nil {
				var pf *engine.PartialFailure
				if errors.As(applyErr, &pf) {
					printPartialFailure(pf)
					printOutputs(res.Outputs)
					os.Exit(1)
				}
				return applyErr
			}

			fmt.Printf("Apply complete in %s.\n\n", res.Duration.Round(time.Millisecond))
			printResults(os.Stdout, res.Results)
			printOutputs(res.Outputs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the interactive confirmation")
	return cmd
}

// recordRun writes the run to history. History failures are logged, not
// fatal; the cloud changes already happened.
func recordRun(ctx context.Context, rt *runtime, runID, operation string, started time.Time, runErr error) {
	run := &state.Run{
		ID:        runID,
		Operation: operation,
		Status:    "running",
		StartedAt: started,
	}
	if err := rt.store.CreateRun(ctx, run); err != nil {
		rt.logger.WithError(err).Warn("failed to record run start")
		return
	}

	status := "success"
	var errMsg *string
	if runErr != nil {
		status = "failed"
		var pf *engine.PartialFailure
		if errors.As(runErr, &pf) {
			status = "partial_failure"
		}
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := rt.store.CompleteRun(ctx, runID, status, errMsg); err != nil {
		rt.logger.WithError(err).Warn("failed to record run completion")
	}
}

func confirm(prompt string) bool {
	fmt.Printf("\n%s Only 'yes' is accepted: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}

func printResults(w io.Writer, results []engine.NodeResult) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "  x %-16s failed: %v\n", r.Kind, r.Err)
		case r.Action == engine.ActionNoop:
			fmt.Fprintf(w, "  = %-16s unchanged\n", r.Kind)
		case r.Action == engine.ActionSkipped:
			fmt.Fprintf(w, "  ! %-16s skipped (%s)\n", r.Kind, r.SkipReason)
		case r.Action == engine.ActionUpdate:
			fmt.Fprintf(w, "  ~ %-16s updated (%s) in %s\n", r.Kind, strings.Join(r.Changed, ", "), r.Duration.Round(time.Millisecond))
		default:
			fmt.Fprintf(w, "  %s %-16s %sd %s in %s\n", actionMarker(r.Action), r.Kind, r.Action, r.ID, r.Duration.Round(time.Millisecond))
		}
	}
	fmt.Fprintln(w)
}

func actionMarker(a engine.Action) string {
	switch a {
	case engine.ActionCreate:
		return "+"
	case engine.ActionReplace:
		return "±"
	case engine.ActionDestroy:
		return "-"
	default:
		return "*"
	}
}

func printPartialFailure(pf *engine.PartialFailure) {
	fmt.Fprintf(os.Stderr, "\nApply finished with errors.\n")
	if len(pf.Succeeded) > 0 {
		fmt.Fprintf(os.Stderr, "  converged: %s\n", joinKinds(pf.Succeeded))
	}
	for _, kind := range pf.Failed {
		fmt.Fprintf(os.Stderr, "  failed:    %s\n", kind)
	}
	if len(pf.Skipped) > 0 {
		fmt.Fprintf(os.Stderr, "  skipped:   %s (dependency failed)\n", joinKinds(pf.Skipped))
	}
	for _, err := range pf.Unwrap() {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}
}

func joinKinds(kinds []engine.NodeKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func printOutputs(out engine.Outputs) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Println("Outputs:")
	for _, key := range []string{
		engine.OutInstanceID,
		engine.OutInstancePrivateIP,
		engine.OutInstancePublicIP,
		engine.OutSecurityGroupID,
		engine.OutKeyPairName,
		engine.OutAdditionalVolumeIDs,
		engine.OutCPUAlarmID,
	} {
		v := out[key]
		if v == nil {
			fmt.Printf("  %-25s (none)\n", key)
			continue
		}
		fmt.Printf("  %-25s %v\n", key, v)
	}
}
