// councild — the council deliberation server: HTTP API, staged
// multi-agent pipeline, knowledge base, background job runner.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/council-works/council/pkg/api"
	"github.com/council-works/council/pkg/config"
	"github.com/council-works/council/pkg/council"
	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/kb"
	"github.com/council-works/council/pkg/kg"
	"github.com/council-works/council/pkg/llm"
	"github.com/council-works/council/pkg/store"
	"github.com/council-works/council/pkg/tools"
	"github.com/council-works/council/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envPath := flag.String("env", ".env", "Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting councild",
		"version", version.Full(),
		"http_port", httpPort)

	ctx := context.Background()

	// 1. Load configuration
	cfg := config.Load()
	slog.Info("Configuration loaded", "data_dir", cfg.DataDir)

	// 2. Open file stores
	agents := store.NewAgents(cfg.DataDir, cfg.CouncilModels, cfg.ChairmanModel, cfg.TitleModel)
	convs := store.NewConversations(filepath.Join(cfg.DataDir, "conversations"))
	settingsStore := store.NewSettings(cfg.DataDir, cfg.KBEmbeddingModel, cfg.KBRerankModel,
		cfg.Watch.Roots, cfg.Watch.Extensions)
	plugins := store.NewPlugins(cfg.DataDir)
	traces := store.NewTraceSink(filepath.Join(cfg.DataDir, "traces"))
	slog.Info("File stores ready")

	settings, err := settingsStore.Get()
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}

	// 3. LLM gateway
	gateway := llm.NewGateway(cfg.Providers)
	for _, p := range llm.Providers {
		slog.Info("Provider key", "provider", p,
			"configured", gateway.KeyConfigured(p) == llm.KeyConfigured)
	}

	// 4. Knowledge base and retriever
	kbStore, err := kb.Open(filepath.Join(cfg.DataDir, "kb.sqlite"))
	if err != nil {
		slog.Error("Failed to open knowledge base", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kbStore.Close(); err != nil {
			slog.Error("Error closing knowledge base", "error", err)
		}
	}()

	reranker := kb.NewLLMReranker(gateway, cfg.Providers.DashScopeAPIKey, nil)
	retriever := kb.NewRetriever(kbStore, gateway, reranker, nil)
	slog.Info("Knowledge base ready")

	// 5. Knowledge graph. Neo4j lives outside this process; without a
	// connection every graph operation reports unconfigured.
	var graphs kg.Store = kg.UnconfiguredStore{}
	if cfg.Graph.Configured() {
		slog.Warn("Graph connection configured but no graph driver is bundled; graph endpoints stay disabled",
			"uri", cfg.Graph.URI)
	} else {
		slog.Info("Knowledge graph not configured")
	}
	extractor := kg.NewExtractor(gateway, settings.OutputLanguage, nil)

	// 6. Job runner and builtin tools
	jobsStore, err := jobs.Open(filepath.Join(cfg.DataDir, "jobs.sqlite"))
	if err != nil {
		slog.Error("Failed to open jobs database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobsStore.Close(); err != nil {
			slog.Error("Error closing jobs database", "error", err)
		}
	}()

	runner := jobs.NewRunner(jobsStore, cfg.Runner, nil)
	registry := tools.RegisterBuiltins(tools.NewRegistry(plugins.Enabled), &tools.Context{
		KB:            kbStore,
		Retriever:     retriever,
		Graphs:        graphs,
		Extractor:     extractor,
		Settings:      settingsStore,
		Models:        agents,
		Conversations: convs,
	})
	runner.SetHandlers(registry)
	runner.Configure(settings.JobToolLimits, settings.JobDefaultTimeouts)
	runner.ConfigureResultTTLs(settings.JobResultTTLs)
	if err := runner.Start(ctx); err != nil {
		slog.Error("Failed to start job runner", "error", err)
		os.Exit(1)
	}
	slog.Info("Job runner started", "workers", cfg.Runner.WorkerCount, "tools", registry.List())

	// 7. Deliberation engine
	engine := council.NewEngine(council.Deps{
		Chat:          gateway,
		Agents:        agents,
		Conversations: convs,
		Settings:      settingsStore,
		Traces:        traces,
		KB:            kbStore,
		Retriever:     retriever,
		Graphs:        graphs,
		Jobs:          jobsStore,
		Web:           tools.NewWebClient(),
	})
	slog.Info("Deliberation engine ready")

	// 8. HTTP server
	server := api.NewServer(api.Deps{
		Engine:    engine,
		Chat:      gateway,
		Agents:    agents,
		Convs:     convs,
		Settings:  settingsStore,
		Plugins:   plugins,
		Traces:    traces,
		KB:        kbStore,
		Retriever: retriever,
		Graphs:    graphs,
		Extractor: extractor,
		Runner:    runner,
		Jobs:      jobsStore,
	})
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("councild started successfully")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: runner first so jobs observe cancellation,
	// then the HTTP server with its own timeout budget.
	runnerCtx, runnerCancel := context.WithTimeout(ctx, cfg.Runner.GracefulShutdownTimeout)
	defer runnerCancel()
	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Job runner stopped gracefully")
	case <-runnerCtx.Done():
		slog.Warn("Job runner shutdown timeout exceeded; interrupted jobs will be requeued on restart")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
