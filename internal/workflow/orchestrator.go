package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"workbench/eventbus"
	"workbench/internal/codegen"
	"workbench/internal/llm"
	"workbench/internal/prompt"
	"workbench/internal/sandbox"
)

// Backend returns the model reply for a system/user instruction pair.
type Backend interface {
	Send(ctx context.Context, system, user, baseURL, model string) (llm.Response, error)
}

// Executor runs an extracted script.
type Executor interface {
	Run(ctx context.Context, script string, timeout time.Duration) (sandbox.Result, error)
}

// Publisher receives lifecycle events. Publish failures are logged only.
type Publisher interface {
	Publish(ctx context.Context, evt eventbus.CanonicalEvent) error
}

// Config wires an Orchestrator. Everything here is read-only once built.
type Config struct {
	Backend  Backend
	Executor Executor
	Docs     prompt.ReferenceDocs
	// Language is the fence tag to look for. Empty means python.
	Language string
	// ExecutionTimeout is handed to the executor for every run.
	ExecutionTimeout time.Duration
	// FailOnNonZeroExit turns a non-zero script exit into StatusScriptFailed.
	FailOnNonZeroExit bool
	// DefaultBackendURL and DefaultModel fill empty request fields.
	DefaultBackendURL string
	DefaultModel      string
	Events            Publisher
	// Channel tags emitted events with where the request came from (api, cli, scheduler).
	Channel string
}

// Orchestrator runs requests end to end. It holds no per-request state and
// may be called from many goroutines at once.
type Orchestrator struct {
	cfg       Config
	extractor codegen.Extractor
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("workflow: backend is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("workflow: executor is required")
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = sandbox.DefaultTimeout
	}
	if cfg.Channel == "" {
		cfg.Channel = "api"
	}
	return &Orchestrator{cfg: cfg, extractor: codegen.Extractor{Language: cfg.Language}}, nil
}

// WithChannel returns a copy of the orchestrator that tags events with channel.
func (o *Orchestrator) WithChannel(channel string) *Orchestrator {
	cp := *o
	cp.cfg.Channel = channel
	return &cp
}

// Execute runs req through the pipeline. The returned outcome is never nil;
// on failure the error is a *Failure whose Status equals outcome.Status.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.BackendURL == "" {
		req.BackendURL = o.cfg.DefaultBackendURL
	}
	if req.Model == "" {
		req.Model = o.cfg.DefaultModel
	}
	out := &Outcome{
		ID:        uuid.New().String(),
		State:     StateStart,
		Request:   req,
		StartedAt: time.Now().UTC(),
	}
	log.Printf("🚀 [WORKFLOW] Run %s started (model=%s backend=%s)", out.ID, req.Model, req.BackendURL)
	o.publish(ctx, eventbus.TypeWorkflowStarted, out)

	out.State = StateAssembling
	system, user := prompt.Assemble(req.TaskInstruction, o.cfg.Docs)

	out.State = StateAwaitingBackend
	backendStart := time.Now()
	resp, err := o.cfg.Backend.Send(ctx, system, user, req.BackendURL, req.Model)
	out.BackendElapsed = time.Since(backendStart)
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(ctx, out, StatusCanceled, fmt.Errorf("%w (backend call: %v)", ctx.Err(), err))
		}
		return o.fail(ctx, out, StatusBackendUnreachable, err)
	}
	out.Response = &resp
	log.Printf("📥 [WORKFLOW] Run %s got %d chars via %s in %v", out.ID, len(resp.RawText), resp.Protocol, out.BackendElapsed)

	out.State = StateExtractingCode
	script, ok := o.extractor.Extract(resp.RawText)
	if !ok || strings.TrimSpace(script.Source) == "" {
		return o.fail(ctx, out, StatusNoCodeFound, ErrNoCodeFound)
	}
	out.Script = &script

	out.State = StateExecuting
	execStart := time.Now()
	result, err := o.cfg.Executor.Run(ctx, script.Source, o.cfg.ExecutionTimeout)
	out.ExecutionElapsed = time.Since(execStart)
	if result.WorkDir != "" {
		out.Execution = &result
	}
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrExecutionTimeout):
			return o.fail(ctx, out, StatusExecutionTimeout, err)
		case ctx.Err() != nil:
			return o.fail(ctx, out, StatusCanceled, err)
		default:
			return o.fail(ctx, out, StatusExecutionSetupError, err)
		}
	}

	if o.cfg.FailOnNonZeroExit && result.ExitCode != 0 {
		return o.fail(ctx, out, StatusScriptFailed, fmt.Errorf("%w: exit code %d", ErrScriptFailed, result.ExitCode))
	}

	out.State = StateDone
	out.Status = StatusDone
	out.FinishedAt = time.Now().UTC()
	log.Printf("✅ [WORKFLOW] Run %s done (backend %v, execution %v, exit %d, %d artifact(s))",
		out.ID, out.BackendElapsed, out.ExecutionElapsed, result.ExitCode, len(result.Artifacts))
	o.publish(ctx, eventbus.TypeWorkflowCompleted, out)
	return out, nil
}

func (o *Orchestrator) fail(ctx context.Context, out *Outcome, status Status, err error) (*Outcome, error) {
	failedAt := out.State
	out.State = StateFailed
	out.Status = status
	out.Error = err.Error()
	out.FinishedAt = time.Now().UTC()
	log.Printf("❌ [WORKFLOW] Run %s failed while %s: %s: %v", out.ID, failedAt, status, err)
	o.publish(ctx, eventbus.TypeWorkflowFailed, out)
	return out, &Failure{Status: status, Err: err}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, out *Outcome) {
	if o.cfg.Events == nil {
		return
	}
	meta := map[string]interface{}{
		"model":                out.Request.Model,
		"backend_url":          out.Request.BackendURL,
		"backend_elapsed_ms":   out.BackendElapsed.Milliseconds(),
		"execution_elapsed_ms": out.ExecutionElapsed.Milliseconds(),
	}
	if out.Status != "" {
		meta["status"] = string(out.Status)
	}
	if out.Response != nil {
		meta["protocol"] = string(out.Response.Protocol)
	}
	payload := eventbus.EventPayload{Text: out.Error, Metadata: meta}
	if out.Execution != nil {
		meta["exit_code"] = out.Execution.ExitCode
		payload.Attachments = out.Execution.Artifacts
	}
	evt := eventbus.NewEvent("workflow", eventType,
		eventbus.EventContext{RunID: out.ID, Channel: o.cfg.Channel, Endpoint: out.Request.TargetEndpoint},
		payload)

	// Failure events still go out after the caller canceled
	if err := o.cfg.Events.Publish(context.WithoutCancel(ctx), evt); err != nil {
		log.Printf("⚠️ [WORKFLOW] Failed to publish %s for run %s: %v", eventType, out.ID, err)
	}
}
