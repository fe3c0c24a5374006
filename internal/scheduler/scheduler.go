// Package scheduler runs command text on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"wxhelper/internal/bus"
	"wxhelper/internal/command"
	"wxhelper/internal/domain"
)

// Executor runs command text; *command.Registry implements it.
type Executor interface {
	ExecuteText(ctx context.Context, text string, cc domain.CommandContext) (string, error)
	Prefixes() []string
}

// Sender posts task output to the chat.
type Sender interface {
	SendText(ctx context.Context, text, replyTo string) (domain.Message, error)
}

// Config configures a Scheduler.
type Config struct {
	Store    domain.TaskStore
	Executor Executor
	Sender   Sender
	Events   *bus.EventBus
	// Tick is how often due tasks are checked (default 15s). Tasks fire at most
	// once per minute regardless.
	Tick    time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// Scheduler owns task CRUD and execution.
type Scheduler struct {
	cfg  Config
	gron *gronx.Gronx
	// mu serializes task writes so a run and an edit do not overwrite each other.
	mu sync.Mutex
}

// New creates a scheduler; Run starts the clock.
func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{cfg: cfg, gron: gronx.New()}
}

// NormalizeSchedule accepts "HH:MM" (daily) or a cron expression and returns
// the cron form.
func (s *Scheduler) NormalizeSchedule(schedule string) (string, error) {
	schedule = strings.TrimSpace(schedule)
	if hh, mm, ok := strings.Cut(schedule, ":"); ok && !strings.Contains(schedule, " ") {
		h, err1 := strconv.Atoi(hh)
		m, err2 := strconv.Atoi(mm)
		if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			return "", fmt.Errorf("%w: bad time %q, want HH:MM", domain.ErrInvalidParameter, schedule)
		}
		return fmt.Sprintf("%d %d * * *", m, h), nil
	}
	if !s.gron.IsValid(schedule) {
		return "", fmt.Errorf("%w: bad cron expression %q", domain.ErrInvalidParameter, schedule)
	}
	return schedule, nil
}

// List returns all tasks.
func (s *Scheduler) List(ctx context.Context) ([]domain.Task, error) {
	return s.cfg.Store.ListTasks(ctx)
}

// Get returns one task.
func (s *Scheduler) Get(ctx context.Context, id string) (domain.Task, error) {
	tasks, err := s.cfg.Store.ListTasks(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, fmt.Errorf("%w: no task %s", domain.ErrInvalidParameter, id)
}

// Add creates an enabled task. The schedule is kept as given; HH:MM is
// translated when checked.
func (s *Scheduler) Add(ctx context.Context, schedule, cmd, description string) (domain.Task, error) {
	if _, err := s.NormalizeSchedule(schedule); err != nil {
		return domain.Task{}, err
	}
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return domain.Task{}, fmt.Errorf("%w: empty command", domain.ErrInvalidParameter)
	}
	t := domain.Task{
		ID:          strings.SplitN(uuid.NewString(), "-", 2)[0],
		Schedule:    strings.TrimSpace(schedule),
		Command:     cmd,
		Description: description,
		Enabled:     true,
		CreatedAt:   s.cfg.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cfg.Store.SaveTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.cfg.Logger.Info("task added", "id", t.ID, "schedule", t.Schedule, "command", t.Command)
	return t, nil
}

// Update replaces a task's schedule, command, description and enabled flag.
func (s *Scheduler) Update(ctx context.Context, t domain.Task) (domain.Task, error) {
	if _, err := s.NormalizeSchedule(t.Schedule); err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.Get(ctx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	cur.Schedule, cur.Command, cur.Description, cur.Enabled = t.Schedule, t.Command, t.Description, t.Enabled
	if err := s.cfg.Store.SaveTask(ctx, cur); err != nil {
		return domain.Task{}, err
	}
	return cur, nil
}

// Remove deletes a task.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cfg.Store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.cfg.Logger.Info("task removed", "id", id)
	return nil
}

// RunNow executes a task immediately and returns its output.
func (s *Scheduler) RunNow(ctx context.Context, id string) (string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.execute(ctx, t, s.cfg.Now())
}

// Run checks for due tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cfg.Logger.Info("scheduler started", "tick", s.cfg.Tick)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, s.cfg.Now())
		}
	}
}

// Tick runs every enabled task due at now that has not run this minute.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	tasks, err := s.cfg.Store.ListTasks(ctx)
	if err != nil {
		s.cfg.Logger.Warn("cannot list tasks", "err", err)
		return 0
	}
	minute := now.Truncate(time.Minute)
	ran := 0
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		if t.LastRun != nil && !t.LastRun.Truncate(time.Minute).Before(minute) {
			continue
		}
		expr, err := s.NormalizeSchedule(t.Schedule)
		if err != nil {
			s.cfg.Logger.Warn("task has an invalid schedule", "id", t.ID, "err", err)
			continue
		}
		due, err := s.gron.IsDue(expr, minute)
		if err != nil || !due {
			continue
		}
		s.cfg.Logger.Info("executing task", "id", t.ID, "command", t.Command)
		if _, err := s.execute(ctx, t, now); err != nil {
			s.cfg.Logger.Warn("task failed", "id", t.ID, "err", err)
		}
		ran++
	}
	return ran
}

// Next returns when the task fires next after now.
func (s *Scheduler) Next(t domain.Task, now time.Time) (time.Time, error) {
	expr, err := s.NormalizeSchedule(t.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	return gronx.NextTickAfter(expr, now, false)
}

// execute runs the task's command, or posts its text verbatim when it is not a
// command, and records the outcome.
func (s *Scheduler) execute(ctx context.Context, t domain.Task, now time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var (
		out string
		err error
	)
	if command.ParseCommand(t.Command, s.cfg.Executor.Prefixes()) != nil {
		out, err = s.cfg.Executor.ExecuteText(ctx, t.Command, domain.CommandContext{Source: "scheduler"})
	} else {
		out = t.Command
	}
	if err == nil && out != "" && s.cfg.Sender != nil {
		if _, sendErr := s.cfg.Sender.SendText(ctx, out, ""); sendErr != nil {
			err = fmt.Errorf("send task output: %w", sendErr)
		}
	}

	result := clip(out, 500)
	if err != nil {
		result = "error: " + err.Error()
	}
	s.mu.Lock()
	if cur, getErr := s.Get(ctx, t.ID); getErr == nil {
		cur.LastRun, cur.LastResult = &now, result
		if saveErr := s.cfg.Store.SaveTask(ctx, cur); saveErr != nil {
			s.cfg.Logger.Warn("cannot record task run", "id", t.ID, "err", saveErr)
		}
	} else if !errors.Is(getErr, domain.ErrInvalidParameter) {
		s.cfg.Logger.Warn("cannot record task run", "id", t.ID, "err", getErr)
	}
	s.mu.Unlock()

	if s.cfg.Events != nil {
		payload := map[string]any{"id": t.ID, "command": t.Command, "ok": err == nil}
		if err != nil {
			payload["error"] = err.Error()
		}
		s.cfg.Events.Emit(bus.Event{Type: bus.EventTaskRun, Source: "scheduler", Payload: payload})
	}
	return out, err
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
