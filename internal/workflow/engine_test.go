package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketloop/marketloop/internal/events"
	"github.com/marketloop/marketloop/internal/orchestrator"
	"github.com/marketloop/marketloop/internal/queue"
	"github.com/marketloop/marketloop/internal/store"
	"github.com/marketloop/marketloop/pkg/models"
)

type engineHarness struct {
	engine   *Engine
	orch     *orchestrator.Orchestrator
	store    *store.MemoryStore
	registry *queue.Registry
	library  *Library
	sink     *events.MemorySink
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	st := store.NewMemoryStore()
	sink := &events.MemorySink{}
	registry := queue.NewRegistry()

	keys := make([]string, 0, len(models.AgentTypes()))
	for _, a := range models.AgentTypes() {
		keys = append(keys, string(a))
	}
	dispatcher := queue.New(keys, queue.Options{
		MaxAttempts: 1,
		BackoffBase: 10 * time.Millisecond,
		Sink:        sink,
	})
	t.Cleanup(dispatcher.Stop)

	orch := orchestrator.New(orchestrator.Config{
		Store:    st,
		Queue:    dispatcher,
		Registry: registry,
		Sink:     sink,
	})
	if err := orch.StartWorkers(2); err != nil {
		t.Fatalf("start workers: %v", err)
	}

	library := NewLibrary()
	engine := NewEngine(Config{
		Orchestrator: orch,
		Runs:         st,
		Library:      library,
		Sink:         sink,
		StepTimeout:  5 * time.Second,
	})
	t.Cleanup(engine.Stop)

	return &engineHarness{engine: engine, orch: orch, store: st, registry: registry, library: library, sink: sink}
}

// waitRunTerminal polls the store until the run is terminal or the deadline
// passes.
func waitRunTerminal(t *testing.T, e *Engine, runID string) *models.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.GetRun(runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
	return nil
}

func waitRunStatus(t *testing.T, e *Engine, runID string, want models.RunStatus) *models.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.GetRun(runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func okHandler(result map[string]any) queue.TaskHandler {
	return func(context.Context, string, string, string, map[string]any) (map[string]any, error) {
		return result, nil
	}
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	h := newEngineHarness(t)
	_, err := h.engine.Trigger("ghost", "tenant-1", "user-1", nil)
	if !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestRunCompletesAndChainsResults(t *testing.T) {
	h := newEngineHarness(t)

	var mu sync.Mutex
	var announcePayload map[string]any
	h.registry.Register(models.AgentContent, "generate", okHandler(map[string]any{"draft": "hello world"}))
	h.registry.Register(models.AgentEmail, "send",
		func(_ context.Context, _, _, _ string, payload map[string]any) (map[string]any, error) {
			mu.Lock()
			announcePayload = payload
			mu.Unlock()
			return map[string]any{"sent": true}, nil
		})

	h.library.Put(&models.WorkflowDefinition{
		ID: "launch",
		Steps: []models.WorkflowStep{
			{ID: "brief", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "announce", AgentType: models.AgentEmail, TaskType: "send",
				DependsOn:  []string{"brief"},
				TaskConfig: map[string]any{"channel": "newsletter"}},
		},
	})

	run, err := h.engine.Trigger("launch", "tenant-1", "user-1", map[string]any{"product": "widget"})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if run.Status != models.RunStatusRunning {
		t.Errorf("trigger should return a running run, got %s", run.Status)
	}

	final := waitRunTerminal(t, h.engine, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if len(final.CompletedSteps) != 2 || len(final.FailedSteps) != 0 {
		t.Errorf("unexpected step sets: completed=%v failed=%v", final.CompletedSteps, final.FailedSteps)
	}
	if final.StepResults["brief"]["draft"] != "hello world" {
		t.Errorf("brief result not recorded: %v", final.StepResults)
	}
	if final.CompletedAt == nil {
		t.Error("completed run must have completed_at")
	}

	// The dependent step's payload layers trigger data, the dependency's
	// result keyed by step id, and its own task config.
	mu.Lock()
	defer mu.Unlock()
	if announcePayload["product"] != "widget" {
		t.Errorf("trigger data missing from payload: %v", announcePayload)
	}
	briefResult, ok := announcePayload["brief"].(map[string]any)
	if !ok || briefResult["draft"] != "hello world" {
		t.Errorf("dependency result missing from payload: %v", announcePayload)
	}
	if announcePayload["channel"] != "newsletter" {
		t.Errorf("task config missing from payload: %v", announcePayload)
	}
}

// Trigger hands back a detached copy: the run goroutine mutates its own
// record, so the returned run can be read or serialized while steps execute.
func TestTriggerReturnsDetachedRun(t *testing.T) {
	h := newEngineHarness(t)
	h.registry.Register(models.AgentContent, "generate", okHandler(map[string]any{"ok": true}))

	h.library.Put(&models.WorkflowDefinition{
		ID: "busy",
		Steps: []models.WorkflowStep{
			{ID: "s1", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "s2", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "s3", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "s4", AgentType: models.AgentContent, TaskType: "generate"},
		},
	})

	run, err := h.engine.Trigger("busy", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// Hammer the returned run with reads while the goroutine executes steps,
	// the way an HTTP handler serializes the trigger response.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := json.Marshal(run); err != nil {
				t.Errorf("marshal returned run: %v", err)
				return
			}
			cur, err := h.engine.GetRun(run.ID)
			if err != nil {
				t.Errorf("get run: %v", err)
				return
			}
			if cur.Status.Terminal() {
				return
			}
		}
	}()
	<-done

	final := waitRunTerminal(t, h.engine, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}

	// The snapshot reflects trigger time, untouched by execution.
	if run.Status != models.RunStatusRunning || run.CurrentStep != 0 {
		t.Errorf("returned run should stay at its trigger-time state, got status=%s current_step=%d",
			run.Status, run.CurrentStep)
	}
	if len(run.CompletedSteps) != 0 || len(run.StepResults) != 0 {
		t.Errorf("returned run should not accumulate execution state: completed=%v results=%v",
			run.CompletedSteps, run.StepResults)
	}
}

// A step whose dependency can never be satisfied is skipped with a surfaced
// reason, and the run still completes. Skipped steps join neither the
// completed nor the failed set.
func TestMisdeclaredDependencySkipsStep(t *testing.T) {
	h := newEngineHarness(t)
	h.registry.Register(models.AgentContent, "generate", okHandler(map[string]any{"ok": true}))

	h.library.Put(&models.WorkflowDefinition{
		ID: "holey",
		Steps: []models.WorkflowStep{
			{ID: "a", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "b", AgentType: models.AgentContent, TaskType: "generate", DependsOn: []string{"ghost"}},
			{ID: "c", AgentType: models.AgentContent, TaskType: "generate"},
		},
	})

	run, err := h.engine.Trigger("holey", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)

	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if len(final.CompletedSteps) != 2 {
		t.Errorf("expected a and c completed, got %v", final.CompletedSteps)
	}
	if final.StepCompleted("b") || final.StepFailed("b") {
		t.Error("skipped step must join neither step set")
	}

	var skipped *models.StepOutcome
	for i := range final.Outcomes {
		if final.Outcomes[i].StepID == "b" {
			skipped = &final.Outcomes[i]
		}
	}
	if skipped == nil || skipped.Status != models.StepSkipped {
		t.Fatalf("expected a skipped outcome for b, got %+v", final.Outcomes)
	}
	if !strings.Contains(skipped.Error, "ghost") {
		t.Errorf("skip reason should name the missing dependency: %q", skipped.Error)
	}
	if got := len(h.sink.ByType(events.EventRunStepSkipped)); got != 1 {
		t.Errorf("expected 1 run_step_skipped event, got %d", got)
	}
}

func TestStepFailureAbortsRun(t *testing.T) {
	h := newEngineHarness(t)
	h.registry.Register(models.AgentContent, "generate", okHandler(map[string]any{"ok": true}))
	h.registry.Register(models.AgentEmail, "send",
		func(context.Context, string, string, string, map[string]any) (map[string]any, error) {
			return nil, errors.New("SMTP relay unavailable")
		})

	h.library.Put(&models.WorkflowDefinition{
		ID: "fragile",
		Steps: []models.WorkflowStep{
			{ID: "draft", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "send", AgentType: models.AgentEmail, TaskType: "send"},
			{ID: "after", AgentType: models.AgentContent, TaskType: "generate"},
		},
	})

	run, err := h.engine.Trigger("fragile", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)

	if final.Status != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "send") || !strings.Contains(final.Error, "SMTP relay unavailable") {
		t.Errorf("run error should name the step and cause: %q", final.Error)
	}
	if !final.StepFailed("send") {
		t.Errorf("send should be in the failed set: %v", final.FailedSteps)
	}

	// The aborting failure stops the walk; no outcome exists for "after".
	for _, o := range final.Outcomes {
		if o.StepID == "after" {
			t.Errorf("step after the aborting failure should not have run: %+v", o)
		}
	}
}

func TestContinueOnFailure(t *testing.T) {
	h := newEngineHarness(t)
	h.registry.Register(models.AgentContent, "generate", okHandler(map[string]any{"ok": true}))
	h.registry.Register(models.AgentAd, "create",
		func(context.Context, string, string, string, map[string]any) (map[string]any, error) {
			return nil, errors.New("ad account suspended")
		})

	h.library.Put(&models.WorkflowDefinition{
		ID: "tolerant",
		Steps: []models.WorkflowStep{
			{ID: "ads", AgentType: models.AgentAd, TaskType: "create", ContinueOnFailure: true},
			{ID: "post", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "retarget", AgentType: models.AgentContent, TaskType: "generate", DependsOn: []string{"ads"}},
		},
	})

	run, err := h.engine.Trigger("tolerant", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)

	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed despite failed step, got %s (%s)", final.Status, final.Error)
	}
	if !final.StepFailed("ads") || !final.StepCompleted("post") {
		t.Errorf("unexpected step sets: completed=%v failed=%v", final.CompletedSteps, final.FailedSteps)
	}

	// The step depending on the failed one is skipped, not run.
	if final.StepCompleted("retarget") || final.StepFailed("retarget") {
		t.Error("dependent of a failed step should be skipped")
	}

	// Completed and failed sets stay disjoint.
	for _, c := range final.CompletedSteps {
		for _, f := range final.FailedSteps {
			if c == f {
				t.Errorf("step %s appears in both sets", c)
			}
		}
	}
}

// Each retry of a failed step creates a brand-new task; earlier attempts'
// records are never rewritten.
func TestStepRetriesCreateNewTasks(t *testing.T) {
	h := newEngineHarness(t)

	var mu sync.Mutex
	attempts := 0
	h.registry.Register(models.AgentSEO, "audit",
		func(context.Context, string, string, string, map[string]any) (map[string]any, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return nil, errors.New("crawler rate limited")
			}
			return map[string]any{"score": 88}, nil
		})

	h.library.Put(&models.WorkflowDefinition{
		ID: "audit",
		Steps: []models.WorkflowStep{
			{ID: "crawl", AgentType: models.AgentSEO, TaskType: "audit", Retries: 2},
		},
	})

	run, err := h.engine.Trigger("audit", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)

	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed after retries, got %s (%s)", final.Status, final.Error)
	}

	created := h.sink.ByType(events.EventTaskCreated)
	if len(created) != 3 {
		t.Fatalf("expected 3 tasks (one per attempt), got %d", len(created))
	}
	seen := make(map[any]bool)
	for _, ev := range created {
		seen[ev.Properties["task_id"]] = true
	}
	if len(seen) != 3 {
		t.Errorf("attempts must be distinct tasks, got ids %v", seen)
	}

	// The failed attempts each reported their own terminal failure.
	if got := len(h.sink.ByType(events.EventTaskFailed)); got != 2 {
		t.Errorf("expected 2 task_failed events, got %d", got)
	}
}

func TestStepRetriesExhausted(t *testing.T) {
	h := newEngineHarness(t)
	h.registry.Register(models.AgentSEO, "audit",
		func(context.Context, string, string, string, map[string]any) (map[string]any, error) {
			return nil, errors.New("crawler rate limited")
		})

	h.library.Put(&models.WorkflowDefinition{
		ID: "audit",
		Steps: []models.WorkflowStep{
			{ID: "crawl", AgentType: models.AgentSEO, TaskType: "audit", Retries: 1},
		},
	})

	run, err := h.engine.Trigger("audit", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)

	if final.Status != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "crawler rate limited") {
		t.Errorf("final error should carry the last attempt's cause: %q", final.Error)
	}
	if got := len(h.sink.ByType(events.EventTaskCreated)); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

// A step whose task never resolves is bounded by the step timeout; the
// abandoned task is cancelled so a late result cannot land.
func TestStepTimeout(t *testing.T) {
	h := newEngineHarness(t)

	h.library.Put(&models.WorkflowDefinition{
		ID: "stuck",
		Steps: []models.WorkflowStep{
			// Gated and never approved, so the task sits in pending.
			{ID: "gated", AgentType: models.AgentContent, TaskType: "generate",
				ApprovalRequired: true, Timeout: 100 * time.Millisecond},
		},
	})

	run, err := h.engine.Trigger("stuck", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)

	if final.Status != models.RunStatusFailed {
		t.Fatalf("expected failed on timeout, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "timed out") {
		t.Errorf("expected a timeout cause, got %q", final.Error)
	}

	// The abandoned task was cancelled.
	cancelled := h.sink.ByType(events.EventTaskCancelled)
	if len(cancelled) != 1 {
		t.Errorf("expected the timed-out task to be cancelled, got %d cancellations", len(cancelled))
	}
}

// A gated step's task waits in pending until someone approves it; the run
// then proceeds to completion with the approval recorded.
func TestGatedStepWaitsForApproval(t *testing.T) {
	h := newEngineHarness(t)
	h.registry.Register(models.AgentEmail, "send", okHandler(map[string]any{"sent": true}))

	h.library.Put(&models.WorkflowDefinition{
		ID: "guarded",
		Steps: []models.WorkflowStep{
			{ID: "blast", AgentType: models.AgentEmail, TaskType: "send", ApprovalRequired: true},
		},
	})

	run, err := h.engine.Trigger("guarded", "tenant-1", "user-1", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// The step's task surfaces as an approval request rather than executing.
	var taskID string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := h.sink.ByType(events.EventApprovalRequested); len(reqs) > 0 {
			taskID, _ = reqs[0].Properties["task_id"].(string)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if taskID == "" {
		t.Fatal("no approval was requested for the gated step")
	}

	task, err := h.orch.GetTask(taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.TaskStatusPending || !task.ApprovalRequired {
		t.Fatalf("gated task should hold in pending, got status=%s approval_required=%v",
			task.Status, task.ApprovalRequired)
	}

	if _, err := h.orch.ApproveTask(taskID, "manager-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	final := waitRunTerminal(t, h.engine, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed after approval, got %s (%s)", final.Status, final.Error)
	}
	if !final.StepCompleted("blast") {
		t.Errorf("gated step should complete once approved: %v", final.CompletedSteps)
	}

	task, err = h.orch.GetTask(taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ApprovedBy != "manager-1" {
		t.Errorf("approval should be recorded, got approved_by=%q", task.ApprovedBy)
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newEngineHarness(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.registry.Register(models.AgentContent, "generate",
		func(context.Context, string, string, string, map[string]any) (map[string]any, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return map[string]any{"ok": true}, nil
		})
	h.registry.Register(models.AgentEmail, "send", okHandler(map[string]any{"sent": true}))

	h.library.Put(&models.WorkflowDefinition{
		ID: "pausable",
		Steps: []models.WorkflowStep{
			{ID: "slow", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "after", AgentType: models.AgentEmail, TaskType: "send"},
		},
	})

	run, err := h.engine.Trigger("pausable", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	<-started
	if err := h.engine.Pause(run.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(release)

	// The in-flight step finishes and is checkpointed, then the run parks.
	paused := waitRunStatus(t, h.engine, run.ID, models.RunStatusPaused)
	if paused.CurrentStep != 1 {
		t.Errorf("expected checkpoint after step 0, got current_step=%d", paused.CurrentStep)
	}
	if !paused.StepCompleted("slow") {
		t.Errorf("in-flight step should have completed before pausing: %v", paused.CompletedSteps)
	}
	if paused.StepCompleted("after") {
		t.Error("paused run must not advance to the next step")
	}

	if err := h.engine.Resume(run.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed after resume, got %s (%s)", final.Status, final.Error)
	}
	if !final.StepCompleted("after") {
		t.Errorf("resumed run should finish remaining steps: %v", final.CompletedSteps)
	}
}

// A pause requested while the final step is in flight is not dropped: the
// run parks as paused with every step resolved, and Resume walks it to
// completed.
func TestPauseDuringFinalStep(t *testing.T) {
	h := newEngineHarness(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.registry.Register(models.AgentContent, "generate",
		func(context.Context, string, string, string, map[string]any) (map[string]any, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return map[string]any{"ok": true}, nil
		})

	h.library.Put(&models.WorkflowDefinition{
		ID: "single",
		Steps: []models.WorkflowStep{
			{ID: "only", AgentType: models.AgentContent, TaskType: "generate"},
		},
	})

	run, err := h.engine.Trigger("single", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	<-started
	if err := h.engine.Pause(run.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(release)

	paused := waitRunStatus(t, h.engine, run.ID, models.RunStatusPaused)
	if !paused.StepCompleted("only") {
		t.Errorf("the in-flight step should finish before the run parks: %v", paused.CompletedSteps)
	}
	if paused.CurrentStep != 1 {
		t.Errorf("expected checkpoint past the final step, got current_step=%d", paused.CurrentStep)
	}
	if paused.CompletedAt != nil {
		t.Error("paused run must not carry a completion time")
	}

	if err := h.engine.Resume(run.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed after resume, got %s (%s)", final.Status, final.Error)
	}
}

// A paused run survives a process restart: a fresh engine over the same
// store resumes from the persisted checkpoint, with earlier step results
// intact.
func TestResumeAfterRestart(t *testing.T) {
	h := newEngineHarness(t)

	var mu sync.Mutex
	var sendPayload map[string]any
	h.registry.Register(models.AgentEmail, "send",
		func(_ context.Context, _, _, _ string, payload map[string]any) (map[string]any, error) {
			mu.Lock()
			sendPayload = payload
			mu.Unlock()
			return map[string]any{"sent": true}, nil
		})

	def := &models.WorkflowDefinition{
		ID: "restartable",
		Steps: []models.WorkflowStep{
			{ID: "draft", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "send", AgentType: models.AgentEmail, TaskType: "send", DependsOn: []string{"draft"}},
		},
	}
	h.library.Put(def)

	// Simulate a run checkpointed past its first step by a previous process.
	run := &models.WorkflowRun{
		ID:             "run-restart-1",
		WorkflowID:     def.ID,
		TenantID:       "tenant-1",
		Status:         models.RunStatusPaused,
		CurrentStep:    1,
		CompletedSteps: []string{"draft"},
		StepResults:    map[string]map[string]any{"draft": {"draft": "persisted copy"}},
		StartedAt:      time.Now().UTC(),
	}
	if err := h.store.CreateRun(run); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	fresh := NewEngine(Config{
		Orchestrator: h.orch,
		Runs:         h.store,
		Library:      h.library,
		StepTimeout:  5 * time.Second,
	})
	defer fresh.Stop()

	if err := fresh.Resume(run.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	final := waitRunTerminal(t, fresh, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	draftResult, ok := sendPayload["draft"].(map[string]any)
	if !ok || draftResult["draft"] != "persisted copy" {
		t.Errorf("resumed step should see the checkpointed dependency result: %v", sendPayload)
	}
}

func TestResumeErrors(t *testing.T) {
	h := newEngineHarness(t)
	h.registry.Register(models.AgentContent, "generate", okHandler(map[string]any{"ok": true}))
	h.library.Put(&models.WorkflowDefinition{
		ID:    "tiny",
		Steps: []models.WorkflowStep{{ID: "a", AgentType: models.AgentContent, TaskType: "generate"}},
	})

	run, err := h.engine.Trigger("tiny", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	final := waitRunTerminal(t, h.engine, run.ID)

	if err := h.engine.Resume(final.ID); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("expected ErrRunTerminal resuming a finished run, got %v", err)
	}
	if err := h.engine.Pause(final.ID); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("expected ErrRunTerminal pausing a finished run, got %v", err)
	}
	if err := h.engine.Resume("ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	h := newEngineHarness(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.registry.Register(models.AgentContent, "generate",
		func(ctx context.Context, _, _, _ string, _ map[string]any) (map[string]any, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
				return map[string]any{"ok": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

	h.library.Put(&models.WorkflowDefinition{
		ID: "cancellable",
		Steps: []models.WorkflowStep{
			{ID: "slow", AgentType: models.AgentContent, TaskType: "generate"},
			{ID: "after", AgentType: models.AgentContent, TaskType: "generate"},
		},
	})

	run, err := h.engine.Trigger("cancellable", "tenant-1", "", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	<-started
	if err := h.engine.Cancel(run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	defer close(release)

	final := waitRunTerminal(t, h.engine, run.ID)
	if final.Status != models.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("cancelled run must have completed_at")
	}
	if final.StepCompleted("after") || final.StepFailed("after") {
		t.Error("cancelled run must not execute further steps")
	}

	if err := h.engine.Cancel(run.ID); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("cancelling a terminal run should fail, got %v", err)
	}
}
