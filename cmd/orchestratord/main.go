// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// orchestratord is the orchestrator daemon: it loads configuration, wires
// every C1-C11 component and the HTTP surface together, registers the
// stage handlers onto a stagemachine.Machine, and serves until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/autoflowhq/orchestrator/internal/a2a"
	"github.com/autoflowhq/orchestrator/internal/agent"
	"github.com/autoflowhq/orchestrator/internal/approval"
	"github.com/autoflowhq/orchestrator/internal/checkpoint"
	"github.com/autoflowhq/orchestrator/internal/config"
	"github.com/autoflowhq/orchestrator/internal/domain"
	"github.com/autoflowhq/orchestrator/internal/eventlog"
	"github.com/autoflowhq/orchestrator/internal/executor"
	"github.com/autoflowhq/orchestrator/internal/llmgateway"
	"github.com/autoflowhq/orchestrator/internal/observability"
	"github.com/autoflowhq/orchestrator/internal/orchestrator"
	"github.com/autoflowhq/orchestrator/internal/planner"
	"github.com/autoflowhq/orchestrator/internal/ratelimit"
	"github.com/autoflowhq/orchestrator/internal/reflector"
	"github.com/autoflowhq/orchestrator/internal/registry"
	"github.com/autoflowhq/orchestrator/internal/replan"
	"github.com/autoflowhq/orchestrator/internal/sandbox"
	"github.com/autoflowhq/orchestrator/internal/server"
	"github.com/autoflowhq/orchestrator/internal/stagemachine"
	"github.com/autoflowhq/orchestrator/internal/taskqueue"
	"github.com/autoflowhq/orchestrator/internal/team"
	"github.com/autoflowhq/orchestrator/internal/workflowstore"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the orchestrator's YAML configuration")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(versionString())
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("orchestratord exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader, err := config.NewLoader(configPath)
	if err != nil {
		return err
	}
	defer loader.Close()

	cfg, err := loader.Load(ctx)
	if err != nil {
		return err
	}

	pool := config.NewDBPool()
	defer pool.Close()

	dbCfg, ok := cfg.GetDatabase("main")
	if !ok {
		return errMissingDatabase
	}
	db, err := pool.Get(dbCfg)
	if err != nil {
		return err
	}
	dialect := dbCfg.Driver

	reg, err := registry.New(db, dialect)
	if err != nil {
		return err
	}
	events, err := eventlog.New(db, dialect)
	if err != nil {
		return err
	}
	workflows, err := workflowstore.New(db, dialect)
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.New(db, dialect)
	if err != nil {
		return err
	}
	approvals, err := approval.New(db, time.Duration(cfg.Approval.DefaultDeadlineHours)*time.Hour)
	if err != nil {
		return err
	}
	queue, err := taskqueue.New(db, dialect, taskqueue.Config{
		MaxConcurrent:     1,
		VisibilityTimeout: 5 * time.Minute,
		BackoffBase:       time.Duration(cfg.Queue.BaseBackoffMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	reflectorStore, err := reflector.NewSQLStore(db)
	if err != nil {
		return err
	}

	gateway, err := llmgateway.New(ctx, reg, cfg.LLM)
	if err != nil {
		return err
	}
	go gateway.RunHealthChecks(ctx)

	generator := wrapWithRateLimit(gateway)

	sb := sandbox.New(cfg.Sandbox)

	a2aClient := a2a.NewClient(a2a.ClientConfig{Timeout: 60 * time.Second})
	agents := agent.New(a2aClient, agent.StaticDirectory{})
	teams := team.New(a2aClient, team.StaticDirectory{})

	p := planner.New(generator, reg, reflectorStore, planner.Config{
		AnalysisTimeout:      30 * time.Second,
		DecompositionTimeout: 60 * time.Second,
		DefaultStepTimeoutMs: 30_000,
	})
	replanner := replan.New(p)

	exec := executor.New(checkpoints, sb, generator, reg, agents, teams, replanner, executor.Config{
		MaxStepConcurrency: 4,
		SlowProgressRatio:  0.2,
	})

	refl := reflector.New(reflectorStore, approvals)

	store := orchestrator.NewStore()
	validatorA := orchestrator.NewValidatorA(store)
	validatorB := orchestrator.NewValidatorB(store, reg, approvals)
	interpretationHandler := orchestrator.NewInterpretationHandler(generator, reg)
	routingHandler := orchestrator.NewRoutingHandler(store)
	planningHandler := orchestrator.NewPlanningHandler(p, store)
	executionHandler := orchestrator.NewExecutionHandler(exec, store, validatorB)
	reflectionHandler := orchestrator.NewReflectionHandler(refl, store)
	registryUpdateHandler := orchestrator.NewRegistryUpdateHandler(reg, store)

	tracer := observability.NewStageTracer()
	machine := stagemachine.New().WithTracer(tracer)
	machine.Register(domain.StageInterpretation, interpretationHandler)
	machine.Register(domain.StageValidatorA, validatorA)
	machine.Register(domain.StageRouting, routingHandler)
	machine.Register(domain.StagePlanning, planningHandler)
	machine.Register(domain.StageValidatorB, validatorB)
	machine.Register(domain.StageExecution, executionHandler)
	machine.Register(domain.StageReflection, reflectionHandler)
	machine.Register(domain.StageRegistryUpdate, registryUpdateHandler)

	metrics := observability.New()

	srv, err := server.New(server.Deps{
		Config:       cfg.Server,
		Version:      Version,
		Machine:      machine,
		Workflows:    workflows,
		Events:       events,
		Approvals:    approvals,
		Orchestrator: store,
		Prompts:      reg,
		Models:       reg,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	go runApprovalSweeper(ctx, queue, approvals)

	slog.Info("orchestratord starting", "addr", cfg.Server.Addr, "database", dbCfg.Driver)
	return srv.Start(ctx)
}

var errMissingDatabase = &missingDatabaseError{}

type missingDatabaseError struct{}

func (*missingDatabaseError) Error() string {
	return `config: a "main" entry under databases is required`
}

// wrapWithRateLimit layers ratelimit.GatedGateway over gateway, keeping
// the unwrapped gateway wired everywhere else unmodified — planner/
// executor/interpretation all depend on the narrow Generator interface
// the wrapper satisfies identically. Enforcement is off by default: spec
// §6 has no per-deployment rate-limit config section to source rules
// from, so a deployment that wants enforcement sets ratelimit.Config.Rules
// here directly rather than through YAML.
func wrapWithRateLimit(gateway *llmgateway.Gateway) *ratelimit.GatedGateway {
	limiter, err := ratelimit.New(ratelimit.Config{Enabled: false}, ratelimit.NewMemoryStore())
	if err != nil {
		slog.Warn("rate limiter disabled", "error", err)
	}
	return ratelimit.NewGatedGateway(gateway, limiter)
}

// runApprovalSweeper periodically leases a housekeeping task from queue
// and uses it to trigger approvals.Pending, which lazily expires any
// ApprovalRequest past its decision deadline as a side effect of being
// read. This is the queue's one wired consumer: the at-most-one lease
// guarantee means a multi-instance deployment never runs the sweep
// concurrently from two processes.
func runApprovalSweeper(ctx context.Context, queue *taskqueue.Queue, approvals *approval.Gate) {
	const queueID = "approval_sweep"
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := queue.Enqueue(ctx, queueID, 0, nil, 1); err != nil {
				slog.Warn("approval sweep enqueue failed", "error", err)
				continue
			}
			task, err := queue.Lease(ctx, "orchestratord", queueID)
			if err != nil || task == nil {
				continue
			}
			if _, err := approvals.Pending(ctx); err != nil {
				_ = queue.Fail(ctx, task.TaskID, err, false)
				continue
			}
			_ = queue.Succeed(ctx, task.TaskID)
		}
	}
}
