// Command server boots the evidence-grounded reasoning agent: wires C1-C6
// together from internal/config and starts listening. Grounded on
// api_consultant/cmd/server/main.go's wiring shape (load config, build
// collaborators, register routes, run with graceful shutdown).
package main

import (
	"time"

	"github.com/openevidence/evidence-agent/internal/citations"
	"github.com/openevidence/evidence-agent/internal/config"
	"github.com/openevidence/evidence-agent/internal/httpserver"
	"github.com/openevidence/evidence-agent/internal/llm"
	"github.com/openevidence/evidence-agent/internal/obslog"
	"github.com/openevidence/evidence-agent/internal/pipeline"
	"github.com/openevidence/evidence-agent/internal/tools"
)

const httpClientTimeout = 60 * time.Second

func main() {
	logger := obslog.New(config.GetLogLevel())
	config.LoadEnv(logger)
	cfg := config.Load()
	entry := obslog.WithService(logger, "evidence-agent")

	provider := llm.NewOpenAIProvider(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Model, httpClientTimeout)

	registry := &tools.Registry{
		Knowledge:       tools.NewRetrievalClient(cfg.KnowledgeBaseURL, cfg.Backend.APIKey, httpClientTimeout),
		Classifier:      tools.NewHTTPClassifier(cfg.ClassifierURL, httpClientTimeout),
		Code:            tools.NewHTTPCodeExecutor(cfg.CodeExecutionURL, httpClientTimeout),
		DefaultDatasets: cfg.DefaultDatasetIDs,
		OnClassifierFail: func(question string, err error) {
			entry.WithError(err).WithField("question", question).Warn("classifier failed, falling back to default datasets")
		},
	}
	judge := &tools.Judge{Provider: provider}

	store := citations.New(cfg.CitationTTL)
	stopSweep := make(chan struct{})
	store.RunSweeper(cfg.CitationSweepInterval, stopSweep)
	defer close(stopSweep)

	pl := pipeline.New(pipeline.Config{
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		AdmissionTimeout:      cfg.AdmissionTimeout,
		RequestWallClock:      cfg.RequestWallClock,
		SessionGracePeriod:    cfg.SessionGracePeriod,
		Provider:              provider,
		Registry:              registry,
		Judge:                 judge,
		Citations:             store,
		Logger:                entry,
		GenConfig: llm.GenerationConfig{
			Temperature:     cfg.Backend.Temperature,
			TopP:            cfg.Backend.TopP,
			PresencePenalty: cfg.Backend.PresencePenalty,
			MaxTokens:       cfg.Backend.MaxTokens,
		},
		MaxRounds: cfg.MaxRounds,
		MaxTokens: cfg.MaxEstimatedTokens,
	})
	defer pl.Close()

	handler := &httpserver.Handler{Pipeline: pl, Logger: logger}
	router := httpserver.NewRouter(handler, config.GetEnv("GIN_MODE", "debug") == "release")

	if err := httpserver.Start(httpserver.DefaultServerConfig(cfg.Port), router, logger); err != nil {
		logger.WithError(err).Fatal("server exited with error")
	}
}
