package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultInterval is how often due jobs are checked.
const DefaultInterval = 15 * time.Second

// DefaultOwner owns executions started from definitions loaded by LoadDir.
const DefaultOwner = "scheduler"

// Submitter starts executions and reports their status. Satisfied by the
// engine.
type Submitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, owner string, vars map[string]any) (string, error)
	Status(ctx context.Context, id string) (*schema.ExecutionReport, error)
}

// Job submits Definition every time Cron fires.
type Job struct {
	ID         string
	Definition *schema.WorkflowDefinition
	Owner      string
	Variables  map[string]any
	Cron       string
}

// JobInfo is a snapshot of a registered job.
type JobInfo struct {
	ID              string     `json:"id"`
	Workflow        string     `json:"workflow"`
	Cron            string     `json:"cron"`
	NextRunAt       time.Time  `json:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
}

type entry struct {
	job      Job
	schedule cron.Schedule
	info     JobInfo
}

// Scheduler submits cron-scheduled workflows to the engine. A job whose
// previous execution is still live is not submitted again.
type Scheduler struct {
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	jobs   map[string]*entry
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler that submits through submitter.
func NewScheduler(submitter Submitter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		interval:  DefaultInterval,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job, replacing any job with the same ID. An empty ID is
// filled in. The first run is the next cron time after now.
func (s *Scheduler) Add(job Job) (string, error) {
	if job.Definition == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "scheduled job has no definition")
	}
	if job.Cron == "" {
		job.Cron = job.Definition.ScheduleCron
	}
	sched, err := s.parser.Parse(job.Cron)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", job.Cron, err.Error()).WithCause(err)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Owner == "" {
		job.Owner = DefaultOwner
	}

	s.mu.Lock()
	s.jobs[job.ID] = &entry{
		job:      job,
		schedule: sched,
		info: JobInfo{
			ID:        job.ID,
			Workflow:  job.Definition.Name,
			Cron:      job.Cron,
			NextRunAt: sched.Next(s.now()),
		},
	}
	s.mu.Unlock()

	s.logger.Info("scheduled job registered", "job_id", job.ID, "workflow", job.Definition.Name, "cron", job.Cron)
	return job.ID, nil
}

// Remove unregisters a job. It reports whether the job existed.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

// Jobs returns a snapshot of every registered job, ordered by ID.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir registers every .json, .yaml and .yml definition in dir that sets
// schedule_cron, using the workflow name as the job ID. Files that fail to
// parse are reported together; the rest are still loaded.
func (s *Scheduler) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read definitions dir: %w", err)
	}

	var errs []error
	loaded := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(de.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", de.Name(), err))
			continue
		}
		def, err := schema.ParseDefinition(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", de.Name(), err))
			continue
		}
		if def.ScheduleCron == "" {
			continue
		}
		id := def.Name
		if id == "" {
			id = strings.TrimSuffix(de.Name(), filepath.Ext(de.Name()))
		}
		if _, err := s.Add(Job{ID: id, Definition: def}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", de.Name(), err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every due job whose previous execution has finished.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if !e.info.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].job.ID < due[j].job.ID })

	for _, e := range due {
		s.runJob(ctx, e, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, e *entry, now time.Time) {
	log := s.logger.With("job_id", e.job.ID, "workflow", e.job.Definition.Name)

	s.mu.Lock()
	lastID := e.info.LastExecutionID
	e.info.NextRunAt = e.schedule.Next(now)
	s.mu.Unlock()

	if lastID != "" && s.inflight(ctx, lastID) {
		log.Info("previous execution still running, skipping", "execution_id", lastID)
		return
	}

	id, err := s.submitter.Submit(ctx, e.job.Definition, e.job.Owner, e.job.Variables)

	s.mu.Lock()
	e.info.LastRunAt = &now
	if err != nil {
		e.info.LastRunStatus = "error"
	} else {
		e.info.LastRunStatus = "submitted"
		e.info.LastExecutionID = id
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("scheduled submission failed", "error", err)
		return
	}
	log.Info("scheduled execution submitted", "execution_id", id)
}

// inflight reports whether execution id is still pending or running.
func (s *Scheduler) inflight(ctx context.Context, id string) bool {
	report, err := s.submitter.Status(ctx, id)
	if err != nil {
		return false
	}
	return !report.Status.IsTerminal()
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop ends the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}
