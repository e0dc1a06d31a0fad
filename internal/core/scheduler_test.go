package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for scheduler tests.
type memStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	records []*ExecutionRecord
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*Task)}
}

func (m *memStore) InsertTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskExists
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (m *memStore) ListTasks(ctx context.Context, status *TaskStatus) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []*Task
	for _, task := range m.tasks {
		if status == nil || task.Status == *status {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (m *memStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) AppendExecution(ctx context.Context, record *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = int64(len(m.records) + 1)
	m.records = append(m.records, record)
	return nil
}

func (m *memStore) recordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memStore) taskStatus(id string) (TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return "", false
	}
	return task.Status, true
}

// fakeExecutor records invocations; an optional gate blocks each run until
// released, simulating a slow script.
type fakeExecutor struct {
	mu    sync.Mutex
	calls [][]string
	gate  chan struct{}
}

func (f *fakeExecutor) Run(ctx context.Context, scriptPath string, args []string) Result {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{scriptPath}, args...))
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return Result{ReturnCode: 0, Stdout: "ok"}
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(store Store, exec Executor) *Scheduler {
	return NewScheduler(store, exec, discardLogger(), time.UTC)
}

func intervalTask(id string, seconds int) *Task {
	return &Task{
		ID:              id,
		Type:            TaskTypeInterval,
		IntervalSeconds: &seconds,
		ScriptPath:      "/opt/scripts/job.sh",
		ScriptArgs:      []string{"--mode", "full"},
	}
}

func dateTask(id string, at time.Time) *Task {
	return &Task{
		ID:         id,
		Type:       TaskTypeDate,
		ExecuteAt:  &at,
		ScriptPath: "/opt/scripts/once.sh",
	}
}

func TestSchedulerAddArmsTimer(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	s := newTestScheduler(store, &fakeExecutor{})

	before := time.Now()
	if err := s.Add(context.Background(), intervalTask("backup", 3600)); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	info, ok := s.Describe("backup")
	if !ok {
		t.Fatal("task not armed after Add")
	}
	earliest := before.Add(3600 * time.Second)
	if info.NextFireTime.Before(earliest.Add(-time.Second)) || info.NextFireTime.After(earliest.Add(5*time.Second)) {
		t.Fatalf("NextFireTime = %v, want about one hour after Add", info.NextFireTime)
	}
	if status, ok := store.taskStatus("backup"); !ok || status != TaskStatusActive {
		t.Fatalf("persisted status = %v (found %v), want active", status, ok)
	}
	if s.ArmedCount() != 1 {
		t.Fatalf("ArmedCount = %d, want 1", s.ArmedCount())
	}
}

func TestSchedulerDescribeAll(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	s := newTestScheduler(store, &fakeExecutor{})

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := s.Add(context.Background(), intervalTask(id, 3600)); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}

	jobs := s.DescribeAll()
	if len(jobs) != 3 {
		t.Fatalf("DescribeAll returned %d jobs, want 3", len(jobs))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if jobs[i].TaskID != want {
			t.Fatalf("jobs[%d].TaskID = %q, want %q", i, jobs[i].TaskID, want)
		}
		if jobs[i].NextFireTime.IsZero() {
			t.Fatalf("jobs[%d] has zero next fire time", i)
		}
	}
}

func TestSchedulerAddDuplicate(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	s := newTestScheduler(store, &fakeExecutor{})

	if err := s.Add(context.Background(), intervalTask("job", 60)); err != nil {
		t.Fatalf("first Add error: %v", err)
	}
	original, err := store.GetTask(context.Background(), "job")
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	updatedAt := original.UpdatedAt

	err = s.Add(context.Background(), intervalTask("job", 90))
	if !errors.Is(err, ErrTaskExists) {
		t.Fatalf("duplicate Add error = %v, want ErrTaskExists", err)
	}
	kept, err := store.GetTask(context.Background(), "job")
	if err != nil {
		t.Fatalf("GetTask after duplicate: %v", err)
	}
	if *kept.IntervalSeconds != 60 {
		t.Fatalf("IntervalSeconds = %d, original task was replaced", *kept.IntervalSeconds)
	}
	if !kept.UpdatedAt.Equal(updatedAt) {
		t.Fatalf("UpdatedAt changed on failed Add: %v != %v", kept.UpdatedAt, updatedAt)
	}
	if s.ArmedCount() != 1 {
		t.Fatalf("ArmedCount = %d, want 1", s.ArmedCount())
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	s := newTestScheduler(store, &fakeExecutor{})

	tests := []struct {
		name string
		task *Task
	}{
		{name: "missing id", task: &Task{Type: TaskTypeInterval, ScriptPath: "/x"}},
		{name: "missing script", task: &Task{ID: "a", Type: TaskTypeCron}},
		{name: "interval without seconds", task: &Task{ID: "b", Type: TaskTypeInterval, ScriptPath: "/x"}},
		{name: "bad cron", task: &Task{ID: "c", Type: TaskTypeCron, CronExpression: strPtr("* * *"), ScriptPath: "/x"}},
		{name: "date without timestamp", task: &Task{ID: "d", Type: TaskTypeDate, ScriptPath: "/x"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(context.Background(), tt.task)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Add error = %v, want *ValidationError", err)
			}
		})
	}
	if s.ArmedCount() != 0 {
		t.Fatalf("ArmedCount = %d after failed adds, want 0", s.ArmedCount())
	}
}

func TestSchedulerRearmFromScheduledTime(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(store, exec)

	if err := s.Add(context.Background(), intervalTask("tick", 60)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	s.mu.Lock()
	e := s.entries["tick"]
	scheduledAt := e.nextFire
	gen := e.gen
	s.mu.Unlock()

	s.handleFire(fire{taskID: "tick", gen: gen, scheduledAt: scheduledAt})
	s.wg.Wait()

	info, ok := s.Describe("tick")
	if !ok {
		t.Fatal("recurring task not re-armed after fire")
	}
	if want := scheduledAt.Add(60 * time.Second); !info.NextFireTime.Equal(want) {
		t.Fatalf("re-armed NextFireTime = %v, want %v (scheduled time + interval)", info.NextFireTime, want)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.callCount())
	}
	if store.recordCount() != 1 {
		t.Fatalf("records = %d, want 1", store.recordCount())
	}
}

func TestSchedulerOneShotFinality(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(store, exec)

	at := time.Now().Add(time.Hour)
	if err := s.Add(context.Background(), dateTask("once", at)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	s.mu.Lock()
	gen := s.entries["once"].gen
	s.mu.Unlock()

	f := fire{taskID: "once", gen: gen, scheduledAt: at}
	s.handleFire(f)
	s.wg.Wait()

	if _, ok := s.Describe("once"); ok {
		t.Fatal("one-shot task still armed after its fire")
	}
	if status, _ := store.taskStatus("once"); status != TaskStatusCompleted {
		t.Fatalf("status = %v, want completed", status)
	}
	if store.recordCount() != 1 {
		t.Fatalf("records = %d, want exactly 1", store.recordCount())
	}

	// A stale duplicate fire must be discarded, never re-executed.
	s.handleFire(f)
	s.wg.Wait()
	if store.recordCount() != 1 {
		t.Fatalf("records = %d after duplicate fire, want 1", store.recordCount())
	}

	active := TaskStatusActive
	tasks, err := store.ListTasks(context.Background(), &active)
	if err != nil {
		t.Fatalf("ListTasks error: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("completed task still listed as active")
	}
}

func TestSchedulerStaleGenerationIgnored(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(store, exec)

	if err := s.Add(context.Background(), intervalTask("job", 60)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	s.mu.Lock()
	gen := s.entries["job"].gen
	next := s.entries["job"].nextFire
	s.mu.Unlock()

	s.handleFire(fire{taskID: "job", gen: gen + 10, scheduledAt: next})
	s.wg.Wait()

	if exec.callCount() != 0 {
		t.Fatalf("executor called %d times for stale fire, want 0", exec.callCount())
	}
	if info, _ := s.Describe("job"); !info.NextFireTime.Equal(next) {
		t.Fatalf("stale fire changed next fire time: %v != %v", info.NextFireTime, next)
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	exec := &fakeExecutor{gate: make(chan struct{})}
	s := newTestScheduler(store, exec)

	if err := s.Add(context.Background(), intervalTask("slow", 60)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	e := s.entries["slow"]
	gen, scheduledAt := e.gen, e.nextFire
	e.timer.Stop()

	// First fire starts a run that blocks on the gate; two more fires arrive
	// while it is still executing.
	s.handleFire(fire{taskID: "slow", gen: gen, scheduledAt: scheduledAt})
	deadline := time.Now().Add(3 * time.Second)
	for exec.callCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.handleFire(fire{taskID: "slow", gen: gen, scheduledAt: scheduledAt.Add(60 * time.Second)})
	s.handleFire(fire{taskID: "slow", gen: gen, scheduledAt: scheduledAt.Add(120 * time.Second)})

	if got := exec.callCount(); got != 1 {
		t.Fatalf("executions while first run blocked = %d, want 1", got)
	}

	// The skipped fires still re-armed deterministically.
	info, ok := s.Describe("slow")
	if !ok {
		t.Fatal("task lost its registry entry")
	}
	if want := scheduledAt.Add(180 * time.Second); !info.NextFireTime.Equal(want) {
		t.Fatalf("NextFireTime = %v, want %v", info.NextFireTime, want)
	}

	close(exec.gate)
	s.wg.Wait()
	if got := store.recordCount(); got != 1 {
		t.Fatalf("recordCount = %d, want 1", got)
	}

	// With the previous run finished, the next fire dispatches again.
	s.handleFire(fire{taskID: "slow", gen: gen, scheduledAt: scheduledAt.Add(180 * time.Second)})
	s.wg.Wait()
	if got := exec.callCount(); got != 2 {
		t.Fatalf("executions after run finished = %d, want 2", got)
	}
}

func TestSchedulerRemove(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	s := newTestScheduler(store, &fakeExecutor{})

	if err := s.Add(context.Background(), intervalTask("gone", 60)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Remove(context.Background(), "gone"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, ok := s.Describe("gone"); ok {
		t.Fatal("task still armed after Remove")
	}
	if _, err := store.GetTask(context.Background(), "gone"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("GetTask after Remove = %v, want ErrTaskNotFound", err)
	}

	// Removing an unknown id reports not found without blowing up.
	if err := s.Remove(context.Background(), "nonexistent"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Remove unknown = %v, want ErrTaskNotFound", err)
	}
}

func TestSchedulerRemoveDuringInFlightExecution(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	exec := &fakeExecutor{gate: make(chan struct{})}
	s := newTestScheduler(store, exec)

	if err := s.Add(context.Background(), intervalTask("slow", 60)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	s.mu.Lock()
	e := s.entries["slow"]
	f := fire{taskID: "slow", gen: e.gen, scheduledAt: e.nextFire}
	s.mu.Unlock()

	s.handleFire(f)
	for exec.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Remove while the run is blocked: the execution must survive, the
	// task must not fire again.
	if err := s.Remove(context.Background(), "slow"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	close(exec.gate)
	s.wg.Wait()

	if store.recordCount() != 1 {
		t.Fatalf("records = %d, want the in-flight execution recorded", store.recordCount())
	}
	if _, ok := s.Describe("slow"); ok {
		t.Fatal("removed task is still armed")
	}
}

func TestSchedulerReloadArmsOnlyActive(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	s := newTestScheduler(store, &fakeExecutor{})

	seconds := 120
	past := time.Now().Add(-time.Hour)
	store.tasks["recurring"] = &Task{
		ID: "recurring", Type: TaskTypeInterval, IntervalSeconds: &seconds,
		ScriptPath: "/opt/scripts/job.sh", Status: TaskStatusActive,
	}
	store.tasks["done"] = &Task{
		ID: "done", Type: TaskTypeDate, ExecuteAt: &past,
		ScriptPath: "/opt/scripts/once.sh", Status: TaskStatusCompleted,
	}

	loaded, err := s.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("Reload loaded %d tasks, want 1", loaded)
	}
	if _, ok := s.Describe("recurring"); !ok {
		t.Fatal("active interval task not re-armed")
	}
	if _, ok := s.Describe("done"); ok {
		t.Fatal("completed task re-armed on reload")
	}
}

func TestSchedulerPastDateFiresOnNextTick(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	exec := &fakeExecutor{}
	s := newTestScheduler(store, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	at := time.Now().Add(-time.Minute)
	if err := s.Add(ctx, dateTask("late", at)); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if status, _ := store.taskStatus("late"); status == TaskStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("past-dated task never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.callCount())
	}
	if store.recordCount() != 1 {
		t.Fatalf("records = %d, want 1", store.recordCount())
	}
}

func strPtr(s string) *string { return &s }
