// Package scheduler runs periodic maintenance tasks such as journal pruning
// and metrics sampling.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"grimm.is/vmlink/internal/clock"
	"grimm.is/vmlink/internal/logging"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNotRunning   = errors.New("scheduler not running")
	ErrTaskBusy     = errors.New("task already running")
)

// TaskFunc is a function that performs a scheduled task.
// It receives a context that will be cancelled if the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID          string
	Name        string
	Description string
	Schedule    Schedule
	Func        TaskFunc
	Enabled     bool
	RunOnStart  bool // Run immediately when scheduler starts
	Timeout     time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Scheduler manages and runs scheduled tasks. Each enabled task owns one
// timer armed for its next run.
type Scheduler struct {
	clock  clock.Clock
	logger *logging.Logger

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task       *Task
	status     TaskStatus
	timer      clock.Timer
	cancelFunc context.CancelFunc
}

// New creates a new scheduler. A nil clock uses the real clock.
func New(clk clock.Clock, logger *logging.Logger) *Scheduler {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger.WithComponent("scheduler"),
		tasks:  make(map[string]*taskEntry),
	}
}

// AddTask adds a task to the scheduler.
func (s *Scheduler) AddTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
			Enabled:     task.Enabled,
		},
	}
	s.tasks[task.ID] = entry
	if s.running && task.Enabled {
		s.armLocked(entry)
	}

	s.logger.Info("task added", "id", task.ID, "name", task.Name)
	return nil
}

// RunTask starts a task now without moving its next scheduled run. A task
// that is already running is not started twice.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	case !s.running:
		return ErrNotRunning
	case entry.status.Running:
		return fmt.Errorf("%w: %s", ErrTaskBusy, id)
	}
	s.launchLocked(entry)
	return nil
}

// GetStatus returns the status of all tasks sorted by id.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	slices.SortFunc(statuses, func(a, b TaskStatus) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return statuses
}

// GetTaskStatus returns the status of a specific task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start arms every enabled task.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	for _, entry := range s.tasks {
		if !entry.task.Enabled {
			continue
		}
		if entry.task.RunOnStart {
			s.launchLocked(entry)
		} else {
			s.armLocked(entry)
		}
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop disarms every task, cancels running ones and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for _, entry := range s.tasks {
		s.disarmLocked(entry)
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) armLocked(entry *taskEntry) {
	s.disarmLocked(entry)
	now := s.clock.Now()
	next := entry.task.Schedule.Next(now)
	if next.IsZero() {
		return
	}
	entry.status.NextRun = next
	entry.timer = s.clock.AfterFunc(next.Sub(now), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.running && entry.task.Enabled && s.tasks[entry.task.ID] == entry {
			entry.timer = nil
			s.launchLocked(entry)
		}
	})
}

func (s *Scheduler) disarmLocked(entry *taskEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.status.NextRun = time.Time{}
}

// launchLocked starts entry in its own goroutine unless it is already running.
func (s *Scheduler) launchLocked(entry *taskEntry) {
	if entry.status.Running {
		s.logger.Debug("task still running, skipping", "id", entry.task.ID)
		s.armLocked(entry)
		return
	}
	entry.status.Running = true

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if entry.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, entry.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	entry.cancelFunc = cancel

	s.wg.Add(1)
	go s.executeTask(ctx, entry)
}

func (s *Scheduler) executeTask(ctx context.Context, entry *taskEntry) {
	defer s.wg.Done()

	task := entry.task
	s.logger.Debug("executing task", "id", task.ID, "name", task.Name)

	start := s.clock.Now()
	err := task.Func(ctx)
	duration := s.clock.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.cancelFunc != nil {
		entry.cancelFunc()
		entry.cancelFunc = nil
	}
	entry.status.Running = false
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		entry.status.LastError = ""
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}

	if s.running && task.Enabled && s.tasks[task.ID] == entry && entry.timer == nil {
		s.armLocked(entry)
	}
}
