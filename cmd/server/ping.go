package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sleepstars/localbrain/internal/modelbridge"
)

func newPingCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the inference engine answers",
		Long: `Send a fixed diagnostic prompt to the configured inference engine and
print the reply.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			if err := initLogging(cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Engine: %s (model %s)\n", cfg.Inference.BaseURL, cfg.Inference.Model)
			fmt.Fprintf(cmd.OutOrStdout(), "Prompt: %s\n", modelbridge.PingPrompt)

			reply, err := newInferenceClient(cfg).Ping(cmd.Context())
			if err != nil {
				return fmt.Errorf("ping engine: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reply: %s\n", reply)
			return nil
		},
	}
}
