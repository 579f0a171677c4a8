package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/groundplan/groundplan/pkg/config"
	"github.com/groundplan/groundplan/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-apply whenever the configuration file changes",
		Long: `Watch monitors the configuration file and re-applies on every change.
Invalid configurations are reported and skipped; the last good state
stays in place until the file validates again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			// Watch the directory, not the file. Editors typically write a
			// temp file and rename it over the original, which drops a watch
			// on the file itself.
			dir := filepath.Dir(configPath)
			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}

			log := rt.logger.NewComponentLogger("watch")
			log.Infof("watching %s, applying on change", configPath)

			applyCurrent(cmd, rt)

			var timer *time.Timer
			pending := make(chan struct{}, 1)
			target := filepath.Clean(configPath)

			for {
				select {
				case <-cmd.Context().Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Clean(event.Name) != target {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						select {
						case pending <- struct{}{}:
						default:
						}
					})

				case <-pending:
					log.Info("configuration changed, applying")
					applyCurrent(cmd, rt)

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.WithError(err).Warn("watch error")
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before re-applying")
	return cmd
}

// applyCurrent runs one apply against the file as it is now. Errors are
// reported and swallowed so the watch loop keeps running.
func applyCurrent(cmd *cobra.Command, rt *runtime) {
	snap, err := loadSnapshot()
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Printf("Configuration invalid, waiting for a fix:\n")
			for _, ve := range verrs {
				fmt.Printf("  - %s: %s\n", ve.Field, ve.Message)
			}
			return
		}
		fmt.Printf("Failed to load configuration: %v\n", err)
		return
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
			return
		}
		fmt.Printf("Apply failed: %v\n", applyErr)
		return
	}

	fmt.Printf("Apply complete in %s.\n", res.Duration.Round(time.Millisecond))
	printResults(os.Stdout, res.Results)
}
