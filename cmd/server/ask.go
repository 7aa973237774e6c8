package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/models"
	"github.com/sleepstars/localbrain/internal/orchestrator"
)

func newAskCmd(configPath *string) *cobra.Command {
	var model, systemFile string

	cmd := &cobra.Command{
		Use:   "ask <prompt>...",
		Short: "Answer one prompt through the pipeline and exit",
		Long: `Run a single prompt through retrieval, prompt assembly and the inference
engine without starting the HTTP server. The exchange is written to the
conversation log with source "cli".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			if model != "" {
				cfg.Inference.Model = model
			}

			var msgs []models.ChatMessage
			if systemFile != "" {
				system, err := os.ReadFile(systemFile)
				switch {
				case errors.Is(err, os.ErrNotExist):
					logger.GetLogger().Warn("System prompt file %s not found, continuing without it", systemFile)
				case err != nil:
					return fmt.Errorf("read system prompt: %w", err)
				default:
					msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: string(system)})
				}
			}
			msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: strings.Join(args, " ")})

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			resp, err := a.pipeline.Complete(cmd.Context(), &models.CompletionRequest{Messages: msgs}, orchestrator.SourceCLI)
			if err != nil {
				return err
			}
			if len(resp.Choices) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), resp.Choices[0].Message.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Engine model to use for this prompt")
	cmd.Flags().StringVar(&systemFile, "system", "", "File whose contents are added as a system message")
	return cmd
}
