package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/sleepstars/localbrain/internal/config"
)

const defaultConfigFile = "config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "localbrain",
		Short: "Local retrieval-augmented chat gateway",
		Long: `localbrain serves an OpenAI-compatible chat API in front of a local
inference engine, adding passages from a vector index to every prompt and
recording each exchange in a conversation log.

Examples:
  localbrain serve --port 8000 --engine-url http://127.0.0.1:1234/v1
  localbrain ask --no-rag "What is in my notes?"
  localbrain ping`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file (default ./config.yaml when present)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(&configPath), newAskCmd(&configPath), newPingCmd(&configPath))
	return root
}

// loadConfig resolves the configuration for cmd.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return config.Load(path, cmd.Flags())
}
