// Package scheduler runs the agent's periodic background tasks: stats
// flushes, application pings, MQTT heartbeats and history cleanup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is a named job run every Interval. A non-positive interval disables it.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// TaskStatus is the run record of one task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []Task
	status map[string]*TaskStatus
	wg     sync.WaitGroup
}

// NewScheduler creates a new task scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		status: make(map[string]*TaskStatus),
	}
}

// Add registers a task. Tasks added after Start are not run.
func (s *Scheduler) Add(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.Interval <= 0 || task.Run == nil {
		log.Debug().Str("task", task.Name).Msg("task disabled")
		return
	}
	s.tasks = append(s.tasks, task)
	s.status[task.Name] = &TaskStatus{Name: task.Name, Interval: task.Interval}
}

// Start runs every registered task on its own ticker and blocks until ctx
// is cancelled and all loops have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	log.Info().Int("tasks", len(tasks)).Msg("scheduler started")

	for _, t := range tasks {
		s.wg.Add(1)
		go s.runLoop(ctx, t)
	}

	<-ctx.Done()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, t Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	err := t.Run(ctx)

	s.mu.Lock()
	st := s.status[t.Name]
	st.Runs++
	st.LastRun = time.Now()
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("task", t.Name).Msg("scheduled task failed")
		return
	}
	log.Debug().Str("task", t.Name).Msg("scheduled task completed")
}

// Status returns a copy of every task's run record.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *s.status[t.Name])
	}
	return out
}

// Seconds converts a config interval in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
