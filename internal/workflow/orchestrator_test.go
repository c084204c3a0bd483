package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"workbench/eventbus"
	"workbench/internal/llm"
	"workbench/internal/sandbox"
)

type fakeBackend struct {
	text   string
	err    error
	system string
	user   string
	calls  int
}

func (f *fakeBackend) Send(ctx context.Context, system, user, baseURL, model string) (llm.Response, error) {
	f.calls++
	f.system, f.user = system, user
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{RawText: f.text, Protocol: llm.ProtocolNative, Latency: time.Millisecond}, nil
}

type fakeExecutor struct {
	result sandbox.Result
	err    error
	script string
	calls  int
}

func (f *fakeExecutor) Run(ctx context.Context, script string, timeout time.Duration) (sandbox.Result, error) {
	f.calls++
	f.script = script
	return f.result, f.err
}

type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.CanonicalEvent
}

func (c *capturePublisher) Publish(ctx context.Context, evt eventbus.CanonicalEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capturePublisher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func TestExecute_Done(t *testing.T) {
	backend := &fakeBackend{text: "Here:\n```python\nprint('hi')\n```\n"}
	exec := &fakeExecutor{result: sandbox.Result{Stdout: "hi\n", WorkDir: "/tmp/x", Artifacts: []string{}}}
	events := &capturePublisher{}
	o := newTestOrchestrator(t, Config{Backend: backend, Executor: exec, Events: events, DefaultModel: "m", DefaultBackendURL: "http://llm"})

	out, err := o.Execute(context.Background(), Request{TaskInstruction: "count patients", TargetEndpoint: "http://fhir"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Succeeded() || out.State != StateDone {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.ID == "" || out.Request.Model != "m" || out.Request.BackendURL != "http://llm" {
		t.Errorf("request defaults not applied: %+v", out.Request)
	}
	if exec.script != "print('hi')" || out.Script.Source != "print('hi')" {
		t.Errorf("unexpected script %q", exec.script)
	}
	if backend.user != "count patients" || !strings.Contains(backend.system, "```python") {
		t.Errorf("unexpected prompt: user=%q", backend.user)
	}
	if got := strings.Join(events.types(), ","); got != "workflow.started,workflow.completed" {
		t.Errorf("unexpected events %s", got)
	}
	if events.events[1].Context.Endpoint != "http://fhir" || events.events[1].Context.RunID != out.ID {
		t.Errorf("unexpected event context %+v", events.events[1].Context)
	}
}

func TestExecute_BackendUnreachable(t *testing.T) {
	cause := &llm.UnreachableError{BaseURL: "http://llm", Attempts: []llm.AttemptError{{Protocol: llm.ProtocolNative, Err: errors.New("refused")}}}
	exec := &fakeExecutor{}
	o := newTestOrchestrator(t, Config{Backend: &fakeBackend{err: cause}, Executor: exec})

	out, err := o.Execute(context.Background(), Request{TaskInstruction: "x"})
	if out == nil {
		t.Fatal("outcome must never be nil")
	}
	if out.Status != StatusBackendUnreachable || StatusOf(err) != StatusBackendUnreachable {
		t.Fatalf("unexpected status %s / %v", out.Status, err)
	}
	if !errors.Is(err, llm.ErrBackendUnreachable) {
		t.Errorf("failure should wrap the backend cause: %v", err)
	}
	if exec.calls != 0 {
		t.Error("executor must not run after backend failure")
	}
}

func TestExecute_NoCodeFoundKeepsRawText(t *testing.T) {
	exec := &fakeExecutor{}
	events := &capturePublisher{}
	o := newTestOrchestrator(t, Config{Backend: &fakeBackend{text: "I cannot help with that."}, Executor: exec, Events: events})

	out, err := o.Execute(context.Background(), Request{TaskInstruction: "x"})
	if !errors.Is(err, ErrNoCodeFound) || out.Status != StatusNoCodeFound {
		t.Fatalf("expected no_code_found, got %v", err)
	}
	if out.Response == nil || out.Response.RawText != "I cannot help with that." {
		t.Errorf("raw response must be returned, got %+v", out.Response)
	}
	if exec.calls != 0 {
		t.Error("executor must not run without code")
	}
	if got := strings.Join(events.types(), ","); got != "workflow.started,workflow.failed" {
		t.Errorf("unexpected events %s", got)
	}
}

func TestExecute_EmptyScriptIsNoCodeFound(t *testing.T) {
	exec := &fakeExecutor{}
	o := newTestOrchestrator(t, Config{Backend: &fakeBackend{text: "```python\n  \n```"}, Executor: exec})

	out, err := o.Execute(context.Background(), Request{TaskInstruction: "x"})
	if !errors.Is(err, ErrNoCodeFound) || out.Status != StatusNoCodeFound {
		t.Fatalf("expected no_code_found, got %s / %v", out.Status, err)
	}
	if exec.calls != 0 {
		t.Error("executor must not run an empty script")
	}
}

func TestExecute_ExecutionTimeout(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.Result{WorkDir: "/tmp/y"}, err: sandbox.ErrExecutionTimeout}
	o := newTestOrchestrator(t, Config{Backend: &fakeBackend{text: "```python\nwhile True: pass\n```"}, Executor: exec})

	out, err := o.Execute(context.Background(), Request{TaskInstruction: "x"})
	if out.Status != StatusExecutionTimeout || !errors.Is(err, sandbox.ErrExecutionTimeout) {
		t.Fatalf("expected timeout, got %s / %v", out.Status, err)
	}
	if out.Execution == nil || out.Execution.Stdout != "" {
		t.Errorf("timeout keeps the work dir but no output: %+v", out.Execution)
	}
}

func TestExecute_SetupError(t *testing.T) {
	exec := &fakeExecutor{err: sandbox.ErrExecutionSetup}
	o := newTestOrchestrator(t, Config{Backend: &fakeBackend{text: "```\nx\n```"}, Executor: exec})

	out, err := o.Execute(context.Background(), Request{TaskInstruction: "x"})
	if out.Status != StatusExecutionSetupError || !errors.Is(err, sandbox.ErrExecutionSetup) {
		t.Fatalf("expected setup error, got %s / %v", out.Status, err)
	}
	if out.Execution != nil {
		t.Error("no execution result expected without a work dir")
	}
}

func TestExecute_NonZeroExitPolicy(t *testing.T) {
	result := sandbox.Result{Stdout: "oops\n\nSTDERR:\nboom", ExitCode: 2, WorkDir: "/tmp/z"}
	backend := &fakeBackend{text: "```python\nraise SystemExit(2)\n```"}

	lenient := newTestOrchestrator(t, Config{Backend: backend, Executor: &fakeExecutor{result: result}})
	out, err := lenient.Execute(context.Background(), Request{TaskInstruction: "x"})
	if err != nil || out.Status != StatusDone || out.Execution.ExitCode != 2 {
		t.Fatalf("non-zero exit should be done by default: %v %+v", err, out)
	}

	strict := newTestOrchestrator(t, Config{Backend: backend, Executor: &fakeExecutor{result: result}, FailOnNonZeroExit: true})
	out, err = strict.Execute(context.Background(), Request{TaskInstruction: "x"})
	if !errors.Is(err, ErrScriptFailed) || out.Status != StatusScriptFailed {
		t.Fatalf("expected script_failed, got %v", err)
	}
	if out.Execution == nil || !strings.Contains(out.Execution.Stdout, "STDERR:") {
		t.Error("strict failure should still carry the output")
	}
}

func TestExecute_CanceledBeforeBackendReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := &fakeBackend{err: errors.New("context canceled")}
	o := newTestOrchestrator(t, Config{Backend: backend, Executor: &fakeExecutor{}})

	out, err := o.Execute(ctx, Request{TaskInstruction: "x"})
	if out.Status != StatusCanceled || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %s / %v", out.Status, err)
	}
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(Config{Executor: &fakeExecutor{}}); err == nil {
		t.Error("expected error without backend")
	}
	if _, err := NewOrchestrator(Config{Backend: &fakeBackend{}}); err == nil {
		t.Error("expected error without executor")
	}
}

func TestExecute_ConcurrentCallsAreIndependent(t *testing.T) {
	o := newTestOrchestrator(t, Config{
		Backend:  &llmServerBackend{},
		Executor: &fakeExecutor{result: sandbox.Result{WorkDir: "/tmp/w"}},
	})
	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := o.Execute(context.Background(), Request{TaskInstruction: "x"})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids <- out.ID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate run id %s", id)
		}
		seen[id] = true
	}
}

// llmServerBackend is safe for concurrent use, unlike fakeBackend.
type llmServerBackend struct{}

func (llmServerBackend) Send(ctx context.Context, system, user, baseURL, model string) (llm.Response, error) {
	return llm.Response{RawText: "```python\nprint(1)\n```", Protocol: llm.ProtocolOpenAI}, nil
}

func TestExecute_EndToEndCountPatients(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not on PATH")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"content":"` + "```python\\nprint('n=5')\\n```" + `"}}`))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, Config{
		Backend:          llm.NewClient(llm.Config{}),
		Executor:         sandbox.NewRunner(sandbox.Config{Interpreter: python, BaseDir: t.TempDir()}),
		ExecutionTimeout: 30 * time.Second,
	})
	out, err := o.Execute(context.Background(), Request{TaskInstruction: "count patients", BackendURL: srv.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sandbox.Cleanup(*out.Execution)

	if out.Script.Source != "print('n=5')" {
		t.Errorf("unexpected script %q", out.Script.Source)
	}
	if !strings.Contains(out.Execution.Stdout, "n=5") {
		t.Errorf("unexpected stdout %q", out.Execution.Stdout)
	}
	if out.Response.Protocol != llm.ProtocolNative {
		t.Errorf("expected native protocol, got %s", out.Response.Protocol)
	}
	if out.BackendElapsed <= 0 || out.ExecutionElapsed <= 0 {
		t.Errorf("timings not recorded: %v %v", out.BackendElapsed, out.ExecutionElapsed)
	}
}
