// Package scheduler runs configured analyses and FHIR health checks on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"workbench/eventbus"
	"workbench/internal/config"
	"workbench/internal/fhir"
	"workbench/internal/prompt"
	"workbench/internal/sandbox"
	"workbench/internal/workflow"
)

// Job kinds.
const (
	KindGapAnalysis = "gap_analysis"
	KindCustomQuery = "custom_query"
	KindHealth      = "health"
)

const defaultJobTimeout = 10 * time.Minute

// Runner executes an analysis request.
type Runner interface {
	Execute(ctx context.Context, req workflow.Request) (*workflow.Outcome, error)
}

// Recorder persists a finished run.
type Recorder interface {
	Record(ctx context.Context, out *workflow.Outcome) error
}

// HealthChecker checks one FHIR endpoint.
type HealthChecker func(ctx context.Context, url string) fhir.ConnectionStatus

type Config struct {
	Runner   Runner
	Recorder Recorder
	Health   HealthChecker
	Events   workflow.Publisher
	// DefaultEndpoint is used by schedules that name no endpoint.
	DefaultEndpoint string
	JobTimeout      time.Duration
}

// Scheduler owns a cron instance with seconds precision.
type Scheduler struct {
	cfg     Config
	cron    *cron.Cron
	entries map[string]cron.EntryID
	jobs    map[string]func()
	mutex   sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(cfg Config) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Health == nil {
		cfg.Health = func(ctx context.Context, url string) fhir.ConnectionStatus {
			return fhir.NewClient(url, fhir.DefaultCheckTimeout).CheckConnection(ctx)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		cron:    cron.New(cron.WithSeconds()),
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]func()),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// BuildRequest turns an analysis schedule into a workflow request.
func BuildRequest(s config.Schedule, endpoint string) (workflow.Request, error) {
	if s.Endpoint != "" {
		endpoint = s.Endpoint
	}
	var task string
	switch s.Kind {
	case KindGapAnalysis:
		preset, ok := prompt.LookupPreset(s.Preset)
		if !ok {
			return workflow.Request{}, fmt.Errorf("unknown preset %q", s.Preset)
		}
		task = prompt.GapAnalysisTask(endpoint, preset)
	case KindCustomQuery:
		var err error
		if task, err = prompt.CustomQueryTask(endpoint, s.Question); err != nil {
			return workflow.Request{}, err
		}
	default:
		return workflow.Request{}, fmt.Errorf("schedule kind %q does not run an analysis", s.Kind)
	}
	return workflow.Request{TaskInstruction: task, TargetEndpoint: endpoint}, nil
}

// Add registers s, replacing any schedule with the same name.
func (s *Scheduler) Add(sched config.Schedule) error {
	name := sched.Name
	if name == "" {
		name = fmt.Sprintf("%s@%s", sched.Kind, sched.Cron)
	}

	var job func()
	switch sched.Kind {
	case KindHealth:
		endpoint := sched.Endpoint
		if endpoint == "" {
			endpoint = s.cfg.DefaultEndpoint
		}
		job = func() { s.runHealth(name, endpoint) }
	case KindGapAnalysis, KindCustomQuery:
		if s.cfg.Runner == nil {
			return fmt.Errorf("schedule %s: no runner configured", name)
		}
		req, err := BuildRequest(sched, s.cfg.DefaultEndpoint)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		job = func() { s.runAnalysis(name, req) }
	default:
		return fmt.Errorf("schedule %s: unknown kind %q", name, sched.Kind)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if entryID, exists := s.entries[name]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
	entryID, err := s.cron.AddFunc(sched.Cron, job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.entries[name] = entryID
	s.jobs[name] = job
	log.Printf("✅ [SCHEDULER] Scheduled %s (%s) with cron: %s", name, sched.Kind, sched.Cron)
	return nil
}

// Start registers every schedule and starts the cron loop. Schedules that
// fail to register are logged and skipped.
func (s *Scheduler) Start(schedules []config.Schedule) int {
	log.Printf("⏰ [SCHEDULER] Starting scheduler...")
	count := 0
	for _, sched := range schedules {
		if err := s.Add(sched); err != nil {
			log.Printf("⚠️ [SCHEDULER] %v", err)
			continue
		}
		count++
	}
	s.cron.Start()
	log.Printf("✅ [SCHEDULER] Scheduler started with %d job(s)", count)
	return count
}

// Stop stops the cron loop, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	log.Printf("⏰ [SCHEDULER] Stopping scheduler...")
	s.cancel()
	<-s.cron.Stop().Done()
	log.Printf("✅ [SCHEDULER] Scheduler stopped")
}

func (s *Scheduler) Remove(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if entryID, exists := s.entries[name]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, name)
		delete(s.jobs, name)
		log.Printf("⏰ [SCHEDULER] Unscheduled %s", name)
	}
}

// Names lists registered schedules in sorted order.
func (s *Scheduler) Names() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next activation time of a schedule.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mutex.RLock()
	entryID, ok := s.entries[name]
	s.mutex.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(entryID).Next, true
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mutex.RLock()
	job, ok := s.jobs[name]
	s.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("no schedule named %s", name)
	}
	job()
	return nil
}

func (s *Scheduler) runAnalysis(name string, req workflow.Request) {
	log.Printf("⏰ [SCHEDULER] Triggering scheduled analysis: %s", name)
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	out, err := s.cfg.Runner.Execute(ctx, req)
	if err != nil {
		log.Printf("❌ [SCHEDULER] Analysis %s ended with %s: %v", name, workflow.StatusOf(err), err)
	} else {
		log.Printf("✅ [SCHEDULER] Analysis %s completed (run %s)", name, out.ID)
	}
	if out == nil {
		return
	}
	if s.cfg.Recorder != nil {
		if err := s.cfg.Recorder.Record(context.WithoutCancel(ctx), out); err != nil {
			log.Printf("⚠️ [SCHEDULER] Failed to record run %s: %v", out.ID, err)
		}
	} else if out.Execution != nil {
		if err := sandbox.Cleanup(*out.Execution); err != nil {
			log.Printf("⚠️ [SCHEDULER] Failed to remove %s: %v", out.Execution.WorkDir, err)
		}
	}
}

func (s *Scheduler) runHealth(name, endpoint string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	status := s.cfg.Health(ctx, endpoint)
	if status.OK {
		log.Printf("💓 [SCHEDULER] %s: %s healthy (%v)", name, endpoint, status.Latency)
	} else {
		log.Printf("⚠️ [SCHEDULER] %s: %s unhealthy: %s", name, endpoint, status.Message)
	}
	if s.cfg.Events == nil {
		return
	}
	evt := eventbus.NewEvent("scheduler", eventbus.TypeFHIRHealth,
		eventbus.EventContext{Channel: "scheduler", Endpoint: endpoint},
		eventbus.EventPayload{Text: status.Message, Metadata: map[string]interface{}{
			"ok":         status.OK,
			"latency_ms": status.Latency.Milliseconds(),
			"schedule":   name,
		}})
	if err := s.cfg.Events.Publish(ctx, evt); err != nil {
		log.Printf("⚠️ [SCHEDULER] Failed to publish health event: %v", err)
	}
}
