package main

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"

	"workbench/eventbus"
	"workbench/internal/config"
	"workbench/internal/llm"
	"workbench/internal/prompt"
	"workbench/internal/sandbox"
	"workbench/internal/storage"
	"workbench/internal/workflow"
)

// app holds everything a command needs. Redis and NATS are optional; when
// they are unreachable the corresponding features are switched off.
type app struct {
	cfg          *config.Config
	orchestrator *workflow.Orchestrator
	rdb          *redis.Client
	runs         *storage.RunStore
	artifacts    *storage.ArtifactStore
	usage        *storage.UsageTracker
	recorder     *storage.Recorder
	bus          *eventbus.NATSBus
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, channel string, withStorage bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	if withStorage && cfg.Redis.Addr != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Printf("⚠️ [APP] Redis unavailable, run history disabled: %v", err)
		} else {
			a.rdb = rdb
			a.runs = storage.NewRunStore(rdb, cfg.Redis.TTLHours)
			a.artifacts = storage.NewArtifactStore(rdb, cfg.Redis.TTLHours)
			a.usage = storage.NewUsageTracker(rdb)
			a.recorder = &storage.Recorder{Runs: a.runs, Artifacts: a.artifacts}
		}
	}

	if cfg.NATS.URL != "" {
		bus, err := eventbus.NewNATSBus(eventbus.NATSConfig{URL: cfg.NATS.URL, SubjectPrefix: cfg.NATS.SubjectPrefix})
		if err != nil {
			log.Printf("⚠️ [APP] NATS unavailable, events disabled: %v", err)
		} else {
			a.bus = bus
		}
	}

	llmCfg := llm.Config{
		AttemptTimeout: cfg.LLMTimeout(),
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		APIKey:         cfg.LLM.APIKey,
	}
	if a.usage != nil {
		llmCfg.Usage = a.usage
	}
	runner := sandbox.NewRunner(sandbox.Config{
		Interpreter:   cfg.Sandbox.Interpreter,
		ScriptName:    cfg.Sandbox.ScriptName,
		BaseDir:       cfg.Sandbox.BaseDir,
		WorkDirPrefix: cfg.Sandbox.WorkDirPrefix,
		ArtifactExt:   cfg.Sandbox.ArtifactExt,
		Timeout:       cfg.SandboxTimeout(),
	})

	wfCfg := workflow.Config{
		Backend:           llm.NewClient(llmCfg),
		Executor:          runner,
		Docs:              prompt.LoadReferenceDocs(cfg.SkillsDir),
		ExecutionTimeout:  cfg.SandboxTimeout(),
		FailOnNonZeroExit: cfg.Sandbox.FailOnNonZeroExit,
		DefaultBackendURL: cfg.LLM.BaseURL,
		DefaultModel:      cfg.LLM.Model,
		Channel:           channel,
	}
	if a.bus != nil {
		wfCfg.Events = a.bus
	}
	a.orchestrator, err = workflow.NewOrchestrator(wfCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
