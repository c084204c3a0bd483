// Package workflow sequences one analysis request through prompt assembly,
// the LLM backend, script extraction and sandboxed execution.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"workbench/internal/codegen"
	"workbench/internal/llm"
	"workbench/internal/sandbox"
)

// Status tags how a workflow ended.
type Status string

const (
	StatusDone                Status = "done"
	StatusBackendUnreachable  Status = "backend_unreachable"
	StatusNoCodeFound         Status = "no_code_found"
	StatusExecutionTimeout    Status = "execution_timeout"
	StatusExecutionSetupError Status = "execution_setup_error"
	StatusScriptFailed        Status = "script_failed"
	StatusCanceled            Status = "canceled"
)

// State is a step of the pipeline.
type State string

const (
	StateStart           State = "start"
	StateAssembling      State = "assembling"
	StateAwaitingBackend State = "awaiting_backend"
	StateExtractingCode  State = "extracting_code"
	StateExecuting       State = "executing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

var (
	// ErrNoCodeFound means the backend reply held no usable fenced script.
	ErrNoCodeFound = errors.New("no code block found in backend response")

	// ErrScriptFailed means the script exited non-zero while the strict exit
	// policy is enabled.
	ErrScriptFailed = errors.New("script exited with non-zero status")
)

// Request is one analysis submission. It is passed by value and never
// modified after Execute starts.
type Request struct {
	TaskInstruction string `json:"task_instruction"`
	TargetEndpoint  string `json:"target_endpoint,omitempty"`
	BackendURL      string `json:"backend_url"`
	Model           string `json:"model"`
}

// Outcome is the record of a single Execute call. Response, Script and
// Execution are filled in as far as the pipeline got.
type Outcome struct {
	ID               string          `json:"id"`
	Status           Status          `json:"status"`
	State            State           `json:"state"`
	Request          Request         `json:"request"`
	Response         *llm.Response   `json:"response,omitempty"`
	Script           *codegen.Script `json:"script,omitempty"`
	Execution        *sandbox.Result `json:"execution,omitempty"`
	BackendElapsed   time.Duration   `json:"backend_elapsed"`
	ExecutionElapsed time.Duration   `json:"execution_elapsed"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	Error            string          `json:"error,omitempty"`
	// ArtifactIDs are set once artifacts have been copied to storage.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
}

// Succeeded reports whether the pipeline reached Done.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Status == StatusDone
}

// Failure is the error returned alongside a failed Outcome.
type Failure struct {
	Status Status
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Status, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// StatusOf returns the status carried by err, or "" if err is not a *Failure.
func StatusOf(err error) Status {
	var f *Failure
	if errors.As(err, &f) {
		return f.Status
	}
	return ""
}
