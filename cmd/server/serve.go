package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sleepstars/localbrain/internal/api"
	"github.com/sleepstars/localbrain/internal/clients"
	"github.com/sleepstars/localbrain/internal/config"
	"github.com/sleepstars/localbrain/internal/conversationlog"
	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/modelbridge"
	"github.com/sleepstars/localbrain/internal/orchestrator"
	"github.com/sleepstars/localbrain/internal/prompt"
	"github.com/sleepstars/localbrain/internal/retriever"
	"github.com/sleepstars/localbrain/internal/vectorindex"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat completion gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *configPath)
		},
	}
}

func initLogging(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.InitLogger(level, "localbrain")
	return nil
}

func newInferenceClient(cfg *config.Config) *modelbridge.InferenceClient {
	client := clients.NewOpenAIClient(clients.ModelClientConfig{
		APIBase: cfg.Inference.BaseURL,
		APIKey:  cfg.Inference.APIKey,
		Model:   cfg.Inference.Model,
	})
	return modelbridge.New(client, cfg.Inference)
}

// app owns the long-lived resources behind the gateway.
type app struct {
	index    *vectorindex.Index
	convLog  *conversationlog.Log
	pipeline *orchestrator.Pipeline
	server   *http.Server
}

func newApp(cfg *config.Config) (*app, error) {
	log := logger.GetLogger()
	a := &app{}

	var ret orchestrator.Retriever
	if cfg.Retrieval.Enabled {
		embedURL := cfg.Retrieval.EmbeddingBaseURL
		if embedURL == "" {
			embedURL = cfg.Inference.BaseURL
		}
		embedder := vectorindex.NewOpenAIEmbedder(embedURL, cfg.Inference.APIKey, cfg.Retrieval.EmbeddingModel)
		index, err := vectorindex.Open(cfg.Retrieval.IndexPath, embedder)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
		a.index = index
		ret = retriever.New(index, cfg.Retrieval.MinScore)

		if n, err := index.Count(context.Background()); err == nil {
			log.Info("Vector index %s holds %d passages", cfg.Retrieval.IndexPath, n)
		}
	} else {
		log.Info("Retrieval disabled, serving plain chat completions")
	}

	convLog, err := conversationlog.Open(cfg.Log.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	a.convLog = convLog

	a.pipeline = orchestrator.NewPipeline(orchestrator.Dependencies{
		Retriever: ret,
		Assembler: prompt.New(cfg.Prompt),
		Inference: newInferenceClient(cfg),
		Log:       convLog,
	}, orchestrator.OptionsFromConfig(cfg))

	a.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewServer(a.pipeline, cfg).Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	return a, nil
}

func (a *app) close() {
	log := logger.GetLogger()
	if a.convLog != nil {
		if err := a.convLog.Close(); err != nil {
			log.WithError(err).Error("Failed to close conversation log")
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			log.WithError(err).Error("Failed to close vector index")
		}
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.GetLogger()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Listening on http://%s (model %s, engine %s)", cfg.Server.Addr(), cfg.Model.ID, cfg.Inference.BaseURL)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
