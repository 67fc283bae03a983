package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	engineyaml "github.com/loomctl/loom/engine/yaml"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>...",
	Short: "Statically validate workflow files without executing them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := engineyaml.NewFlowLoader()
		failed := false
		for _, path := range args {
			flow, err := loader.Load(path)
			if err != nil {
				failed = true
				fmt.Printf("%s: INVALID\n%v\n", path, err)
				continue
			}
			fmt.Printf("%s: OK (%s, %d steps)\n", path, flow.Name, len(flow.Steps))
		}
		if failed {
			return fmt.Errorf("validation failed")
		}
		return nil
	},
}
