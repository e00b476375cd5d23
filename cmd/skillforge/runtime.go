package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	goruntime "runtime"

	"skillforge/internal/config"
	"skillforge/internal/conversation"
	"skillforge/internal/discovery"
	"skillforge/internal/forge"
	"skillforge/internal/graph"
	"skillforge/internal/llm"
	"skillforge/internal/logging"
	"skillforge/internal/priority"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/scheduler"
	"skillforge/internal/statestore"
	"skillforge/internal/types"
)

// errPersistence tags store failures so the CLI maps them to exit code 4.
var errPersistence = errors.New("persistence failure")

// app is the fully wired runtime behind every command.
type app struct {
	cfg    *config.Config
	store  *statestore.Store
	reg    *registry.Registry
	disc   *discovery.Manager
	graph  *graph.Graph
	queue  *priority.Engine
	sched  *scheduler.Scheduler
	forge  *forge.Forge
	engine *conversation.Engine
}

// buildApp assembles the runtime for a workspace. The caller owns shutdown
// via app.close.
func buildApp(ws string) (*app, error) {
	cfg, err := config.Load(ws)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Workspace); err != nil {
		return nil, err
	}
	if err := logging.InitAudit(); err != nil {
		return nil, err
	}

	store, err := statestore.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errPersistence, err)
	}

	reg := registry.New()
	exec := sandbox.NewExecutor(cfg.Sandbox)
	disc := discovery.NewManager(cfg.Discovery, reg, exec)

	rules, err := config.LoadBusinessRules(cfg.Workspace, cfg.Priority.RulesPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	scorer := priority.NewScorer(cfg.Priority.Weights, rules, reg.Perf)
	queue := priority.NewEngine(cfg.Priority, scorer)
	g := graph.New()
	sched := scheduler.New(cfg.Scheduler, g, queue, reg)

	genCfg := llm.HTTPConfigFromEnv()
	genCfg.Timeout = cfg.Generator.Timeout
	genCfg.MaxTokens = cfg.Generator.MaxTokens
	genCfg.Temperature = cfg.Generator.Temperature
	client := llm.NewHTTPClient(genCfg)

	f := forge.New(cfg.Forge, cfg.Generator, client, reg, disc, exec, nil)
	sched.SetHealer(forge.NewHealer(f))

	// One local agent sized to the host; serve deployments can add more
	// through config in a later iteration.
	sched.AddAgent(types.NewAgentNode("local", types.ResourcePool{
		CPUCores:  goruntime.NumCPU(),
		MemoryMB:  8192,
		StorageMB: 10240,
	}, cfg.Scheduler.MaxConcurrent))

	return &app{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		disc:   disc,
		graph:  g,
		queue:  queue,
		sched:  sched,
		forge:  f,
		engine: conversation.NewEngine(store, sched, g, queue, f),
	}, nil
}

// start brings up discovery and the scheduler loop.
func (a *app) start(ctx context.Context) error {
	n, err := a.disc.LoadAll()
	if err != nil {
		return fmt.Errorf("skill discovery failed: %w", err)
	}
	logging.Discovery("Loaded %d skill(s) at startup", n)

	if err := a.disc.Watch(ctx); err != nil {
		return fmt.Errorf("failed to start skill watcher: %w", err)
	}
	return a.sched.Start(ctx)
}

// close tears the runtime down in reverse order of construction.
func (a *app) close() {
	a.sched.Stop()
	a.disc.Stop()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close state store: %v\n", err)
	}
	logging.CloseAll()
}
