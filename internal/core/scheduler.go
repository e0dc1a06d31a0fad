package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store abstracts the persistence layer used by the scheduler.
type Store interface {
	// Task operations
	InsertTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, status *TaskStatus) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error

	// Execution history
	AppendExecution(ctx context.Context, record *ExecutionRecord) error
}

// entry is the in-memory registry slot for one armed task. The generation
// counter ties a pending timer fire to the arming that created it, so a
// fire raced against Remove is discarded instead of re-arming a dead task.
type entry struct {
	task     *Task
	trigger  Trigger
	nextFire time.Time
	timer    *time.Timer
	gen      uint64
}

// fire is the message a timer posts to the dispatch loop when a task is due.
type fire struct {
	taskID      string
	gen         uint64
	scheduledAt time.Time
}

// Scheduler owns the live registry of armed timers and drives the
// add/remove/fire/re-arm transitions. Timer callbacks only post fire events;
// a single dispatch goroutine decides what is due and re-arms, and the
// blocking script run is offloaded to a per-fire worker so one slow script
// cannot delay fire detection for other tasks.
type Scheduler struct {
	store    Store
	executor Executor
	logger   *slog.Logger
	location *time.Location

	mu       sync.Mutex
	entries  map[string]*entry
	inFlight map[string]struct{}
	lastGen  uint64
	ctx      context.Context

	fires    chan fire
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, executor Executor, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		logger:   logger,
		location: location,
		entries:  make(map[string]*entry),
		inFlight: make(map[string]struct{}),
		fires:    make(chan fire, 64),
		stop:     make(chan struct{}),
	}
}

// Start begins the dispatch loop. ctx bounds script executions launched by
// fires.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	go s.dispatch()
}

// Stop disarms all timers, stops the dispatch loop and waits for in-flight
// executions to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Add validates the task definition, persists it as Active and arms a timer
// for its first fire. Fails with a ValidationError on bad fields and with
// ErrTaskExists if the ID is taken; in both cases the store is unchanged.
func (s *Scheduler) Add(ctx context.Context, task *Task) error {
	if err := ValidateTask(task); err != nil {
		return err
	}
	trigger, err := NewTrigger(task)
	if err != nil {
		return err
	}
	task.Status = TaskStatusActive
	if err := s.store.InsertTask(ctx, task); err != nil {
		return err
	}
	s.arm(task, trigger, time.Now().In(s.location))
	s.logger.Info("task added", "task_id", task.ID, "type", task.Type)
	return nil
}

// Remove disarms the task's timer and deletes it from the store. Returns
// ErrTaskNotFound for unknown IDs. An execution already dispatched for this
// task is not interrupted, but the task will not be re-armed afterwards.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.disarm(id)
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task removed", "task_id", id)
	return nil
}

// Reload arms every Active task in the store, recomputing its first fire
// from the current instant. Fires missed while the process was down are not
// replayed; Completed tasks stay dormant.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	status := TaskStatusActive
	tasks, err := s.store.ListTasks(ctx, &status)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	now := time.Now().In(s.location)
	loaded := 0
	for _, task := range tasks {
		trigger, err := NewTrigger(task)
		if err != nil {
			s.logger.Error("rearm persisted task", "task_id", task.ID, "err", err)
			continue
		}
		s.arm(task, trigger, now)
		loaded++
	}
	s.logger.Info("tasks reloaded", "count", loaded)
	return loaded, nil
}

// Describe returns the live next fire time for an armed task.
func (s *Scheduler) Describe(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return JobInfo{}, false
	}
	return JobInfo{TaskID: id, NextFireTime: e.nextFire}, true
}

// DescribeAll returns the registry snapshot for every armed task, ordered
// by task ID.
func (s *Scheduler) DescribeAll() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]JobInfo, 0, len(s.entries))
	for id, e := range s.entries {
		jobs = append(jobs, JobInfo{TaskID: id, NextFireTime: e.nextFire})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].TaskID < jobs[j].TaskID })
	return jobs
}

// ArmedCount reports how many tasks currently hold an armed timer.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) arm(task *Task, trigger Trigger, ref time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[task.ID]; ok {
		old.timer.Stop()
	}
	s.lastGen++
	e := &entry{task: task, trigger: trigger, gen: s.lastGen}
	s.entries[task.ID] = e
	s.armLocked(e, trigger.Next(ref))
}

// armLocked sets the entry's next fire and starts its timer. Callers hold
// s.mu. A next fire already in the past (a date task registered late) gets
// a zero delay and fires on the next tick.
func (s *Scheduler) armLocked(e *entry, next time.Time) {
	e.nextFire = next
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	taskID, gen := e.task.ID, e.gen
	e.timer = time.AfterFunc(delay, func() {
		select {
		case s.fires <- fire{taskID: taskID, gen: gen, scheduledAt: next}:
		case <-s.stop:
		}
	})
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.timer.Stop()
		delete(s.entries, id)
	}
}

func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.stop:
			return
		case f := <-s.fires:
			s.handleFire(f)
		}
	}
}

// handleFire re-arms or finalizes the registry entry, then offloads the
// actual run. Re-arming happens here, from the scheduled fire time and
// before the execution outcome is known, so the schedule is deterministic
// whether the script succeeds, fails or times out. No lock is held across
// the blocking run. At most one run of a task is in flight at a time: a
// fire that arrives while the previous run is still executing re-arms as
// usual but is not dispatched.
func (s *Scheduler) handleFire(f fire) {
	s.mu.Lock()
	e, ok := s.entries[f.taskID]
	if !ok || e.gen != f.gen {
		// Removed or re-armed since this timer was set.
		s.mu.Unlock()
		return
	}
	task := e.task
	oneShot := !e.trigger.Recurring()
	if oneShot {
		delete(s.entries, f.taskID)
	} else {
		s.armLocked(e, e.trigger.Next(f.scheduledAt))
	}
	if _, running := s.inFlight[f.taskID]; running {
		s.mu.Unlock()
		s.logger.Warn("skipping run, task is already running", "task_id", f.taskID)
		return
	}
	s.inFlight[f.taskID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(task, oneShot)
}

// execute runs the script and records the outcome. Execution failures and
// timeouts never disable a recurring task; they are captured solely as
// records and the task keeps firing on schedule.
func (s *Scheduler) execute(task *Task, oneShot bool) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, task.ID)
		s.mu.Unlock()
	}()
	s.logger.Info("executing task", "task_id", task.ID, "script", task.ScriptPath)

	result := s.executor.Run(s.ctxOrBackground(), task.ScriptPath, task.ScriptArgs)

	// Persist with a fresh context so results of runs finishing during
	// shutdown still commit.
	ctx := context.Background()
	record := &ExecutionRecord{
		TaskID:     task.ID,
		ExecutedAt: time.Now().UTC(),
		ReturnCode: result.ReturnCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
	}
	if err := s.store.AppendExecution(ctx, record); err != nil {
		s.logger.Error("append execution record", "task_id", task.ID, "err", err)
	}
	if result.ReturnCode == 0 {
		s.logger.Info("task succeeded", "task_id", task.ID)
	} else {
		s.logger.Error("task failed", "task_id", task.ID, "return_code", result.ReturnCode, "stderr", result.Stderr)
	}

	if oneShot {
		if err := s.store.UpdateTaskStatus(ctx, task.ID, TaskStatusCompleted); err != nil {
			// The task may have been removed while the run was in flight.
			s.logger.Warn("finalize one-shot task", "task_id", task.ID, "err", err)
		}
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
