package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - declarative LLM workflow engine",
	Long: `Loom executes YAML-defined workflows mixing LLM prompts, shell and
python scripts, conditional branching, bounded loops, parallel steps and
human approval checkpoints.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
