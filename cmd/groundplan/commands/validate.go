package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/groundplan/groundplan/pkg/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate parses the configuration file, applies defaults and checks
every input rule. All failures are reported at once, not just the first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := config.Load(configPath)
			if err != nil {
				return err
			}

			snap, err := config.Validate(in)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					fmt.Fprintf(os.Stderr, "Configuration is invalid (%d problem(s)):\n", len(verrs))
					for _, ve := range verrs {
						fmt.Fprintf(os.Stderr, "  - %s: %s\n", ve.Field, ve.Message)
					}
					os.Exit(1)
				}
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			fmt.Printf("Configuration %s is valid\n", configPath)
			fmt.Printf("  name:          %s\n", snap.Name)
			fmt.Printf("  instance_type: %s\n", snap.InstanceType)
			fmt.Printf("  key pair:      %v\n", snap.CreateKeyPair)
			fmt.Printf("  cpu alarm:     %v\n", snap.CreateCPUAlarm)
			return nil
		},
	}
}
