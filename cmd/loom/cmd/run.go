package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom"
	"github.com/loomctl/loom/approve"
	engineyaml "github.com/loomctl/loom/engine/yaml"
	"github.com/loomctl/loom/llm"
	"github.com/loomctl/loom/render"
	"github.com/loomctl/loom/shell"
)

var (
	runInputs     []string
	runConfigPath string
	runModel      string
	runBaseURL    string
	runVerbose    bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Execute a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(runVerbose)

		cfg := loom.DefaultConfig()
		if runConfigPath != "" {
			loaded, err := loom.LoadConfig(runConfigPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		flow, err := engineyaml.NewFlowLoader().Load(args[0])
		if err != nil {
			return err
		}

		inputs, err := parseInputs(runInputs)
		if err != nil {
			return err
		}

		client, err := llm.NewClient(llm.Config{
			BaseURL: runBaseURL,
			APIKey:  os.Getenv("LOOM_API_KEY"),
			Model:   runModel,
		}, logger)
		if err != nil {
			return err
		}
		launcher, err := shell.NewLauncher(shell.Config{}, logger)
		if err != nil {
			return err
		}

		runner := loom.NewRunner(cfg, render.New(), client, launcher,
			approve.NewConsole(os.Stdin, os.Stderr), logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		start := time.Now()
		result, err := runner.Run(ctx, flow, inputs)
		if err != nil {
			if result != nil {
				printResult(result)
			}
			return err
		}
		logger.Info("flow completed", "flow", flow.Name, "duration", time.Since(start))
		printResult(result)
		return nil
	},
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "workflow input as name=value (repeatable)")
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "engine config file")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "LLM model for prompt steps")
	runCmd.Flags().StringVar(&runBaseURL, "base-url", "", "LLM API base URL")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "debug logging")
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseInputs(pairs []string) (map[string]string, error) {
	inputs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid input %q, expected name=value", pair)
		}
		inputs[name] = value
	}
	return inputs, nil
}

func printResult(result *loom.Result) {
	out, err := json.MarshalIndent(result.Context, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error rendering result: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
