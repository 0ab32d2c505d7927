// Package cleanup reclaims resources the hub accumulates while running:
// idle pooled connections, rate-limit buckets, stale OAuth handshakes and
// finished installation records.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vikashloomba/mcphub-go/pkg/metrics"
)

// Task is one cleanup step. Run returns how many items it reclaimed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// TaskResult records one task run.
type TaskResult struct {
	Name     string        `json:"name"`
	Removed  int           `json:"removed"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of a RunOnce.
type Report struct {
	StartedAt time.Time    `json:"startedAt"`
	Results   []TaskResult `json:"results"`
}

// Removed sums the reclaimed items across tasks.
func (r Report) Removed() int {
	n := 0
	for _, res := range r.Results {
		n += res.Removed
	}
	return n
}

// Janitor runs a fixed set of tasks. Runs never overlap.
type Janitor struct {
	logger *slog.Logger
	run    sync.Mutex

	mu    sync.Mutex
	tasks []Task
	last  Report
}

// New creates a Janitor.
func New(logger *slog.Logger, tasks ...Task) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{logger: logger, tasks: tasks}
}

// Add registers another task.
func (j *Janitor) Add(t Task) {
	j.mu.Lock()
	j.tasks = append(j.tasks, t)
	j.mu.Unlock()
}

// RunOnce runs every task in order. Task failures are logged and
// reported; they do not stop the remaining tasks.
func (j *Janitor) RunOnce(ctx context.Context) Report {
	j.run.Lock()
	defer j.run.Unlock()

	j.mu.Lock()
	tasks := append([]Task(nil), j.tasks...)
	j.mu.Unlock()

	report := Report{StartedAt: time.Now(), Results: make([]TaskResult, 0, len(tasks))}
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		removed, err := runTask(ctx, t)
		res := TaskResult{Name: t.Name, Removed: removed, Duration: time.Since(start)}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			res.Error = err.Error()
			j.logger.Warn("cleanup task failed", "task", t.Name, "error", err)
		} else if removed > 0 {
			j.logger.Debug("cleanup task reclaimed items", "task", t.Name, "removed", removed)
		}
		metrics.CleanupRunsTotal.WithLabelValues(t.Name, outcome).Inc()
		report.Results = append(report.Results, res)
	}

	j.mu.Lock()
	j.last = report
	j.mu.Unlock()
	return report
}

// LastReport returns the most recent report.
func (j *Janitor) LastReport() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Start runs the tasks immediately and then every interval until ctx is
// cancelled. It blocks.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func runTask(ctx context.Context, t Task) (removed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}
