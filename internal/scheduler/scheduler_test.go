package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// fakeSubmitter records submissions; every execution stays in the status
// set by the test.
type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string // workflow names
	owners    []string
	status    map[string]schema.ExecutionStatus
	failNext  bool
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{status: make(map[string]schema.ExecutionStatus)}
}

func (f *fakeSubmitter) Submit(_ context.Context, def *schema.WorkflowDefinition, owner string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("engine is shutting down")
	}
	f.submitted = append(f.submitted, def.Name)
	f.owners = append(f.owners, owner)
	id := fmt.Sprintf("exec-%d", len(f.submitted))
	f.status[id] = schema.ExecutionRunning
	return id, nil
}

func (f *fakeSubmitter) Status(_ context.Context, id string) (*schema.ExecutionReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "not found")
	}
	return &schema.ExecutionReport{ID: id, Status: st}, nil
}

func (f *fakeSubmitter) finish(id string) {
	f.mu.Lock()
	f.status[id] = schema.ExecutionCompleted
	f.mu.Unlock()
}

func (f *fakeSubmitter) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler() (*Scheduler, *fakeSubmitter, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	sub := newFakeSubmitter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(sub, logger, WithClock(clock.Now)), sub, clock
}

func def(name, cron string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:         name,
		ScheduleCron: cron,
		Steps:        []schema.WorkflowStep{{Name: "s", Kind: schema.StepKindSystemAction}},
	}
}

func TestScheduler_AddComputesNextRun(t *testing.T) {
	s, _, _ := newTestScheduler()

	id, err := s.Add(Job{Definition: def("nightly", "0 2 * * *")})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].Workflow)
	assert.Equal(t, "0 2 * * *", jobs[0].Cron, "cron defaults to the definition's schedule")
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), jobs[0].NextRunAt)
}

func TestScheduler_AddRejects(t *testing.T) {
	s, _, _ := newTestScheduler()

	_, err := s.Add(Job{})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = s.Add(Job{Definition: def("bad", "every minute")})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Empty(t, s.Jobs())
}

func TestScheduler_TickSubmitsDueJobs(t *testing.T) {
	s, sub, clock := newTestScheduler()
	_, err := s.Add(Job{ID: "every-minute", Definition: def("minutely", "* * * * *"), Owner: "alice"})
	require.NoError(t, err)
	_, err = s.Add(Job{ID: "hourly", Definition: def("hourly", "0 * * * *")})
	require.NoError(t, err)

	ctx := context.Background()
	s.tick(ctx)
	assert.Empty(t, sub.Submitted(), "nothing is due yet")

	clock.Advance(time.Minute)
	s.tick(ctx)
	assert.Equal(t, []string{"minutely"}, sub.Submitted())
	assert.Equal(t, []string{"alice"}, sub.owners)

	jobs := s.Jobs()
	assert.Equal(t, "exec-1", jobs[0].LastExecutionID)
	assert.Equal(t, "submitted", jobs[0].LastRunStatus)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC), jobs[0].NextRunAt)
}

func TestScheduler_SkipsWhilePreviousExecutionRuns(t *testing.T) {
	s, sub, clock := newTestScheduler()
	_, err := s.Add(Job{ID: "j", Definition: def("wf", "* * * * *")})
	require.NoError(t, err)
	ctx := context.Background()

	clock.Advance(time.Minute)
	s.tick(ctx)
	clock.Advance(time.Minute)
	s.tick(ctx)
	assert.Len(t, sub.Submitted(), 1, "exec-1 is still running")

	sub.finish("exec-1")
	clock.Advance(time.Minute)
	s.tick(ctx)
	assert.Len(t, sub.Submitted(), 2)
}

func TestScheduler_SubmitFailureRecorded(t *testing.T) {
	s, sub, clock := newTestScheduler()
	_, err := s.Add(Job{ID: "j", Definition: def("wf", "* * * * *")})
	require.NoError(t, err)
	sub.failNext = true

	clock.Advance(time.Minute)
	s.tick(context.Background())

	jobs := s.Jobs()
	assert.Equal(t, "error", jobs[0].LastRunStatus)
	assert.Empty(t, jobs[0].LastExecutionID)
	require.NotNil(t, jobs[0].LastRunAt)
}

func TestScheduler_Remove(t *testing.T) {
	s, sub, clock := newTestScheduler()
	_, err := s.Add(Job{ID: "j", Definition: def("wf", "* * * * *")})
	require.NoError(t, err)

	assert.True(t, s.Remove("j"))
	assert.False(t, s.Remove("j"))

	clock.Advance(time.Minute)
	s.tick(context.Background())
	assert.Empty(t, sub.Submitted())
}

func TestScheduler_LoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("nightly.yaml", `
name: nightly-report
schedule_cron: "0 2 * * *"
steps:
  - name: notify
    type: system_action
    config:
      action: notify
`)
	write("adhoc.json", `{"name":"adhoc","steps":[{"name":"a","type":"condition"}]}`)
	write("broken.yml", "name: [unclosed")
	write("notes.txt", "ignored")

	s, _, _ := newTestScheduler()
	n, err := s.LoadDir(dir)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yml")

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly-report", jobs[0].ID)

	_, err = s.LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestScheduler_StartStop(t *testing.T) {
	sub := newFakeSubmitter()
	s := NewScheduler(sub, slog.New(slog.NewTextHandler(io.Discard, nil)), WithInterval(10*time.Millisecond))
	_, err := s.Add(Job{ID: "j", Definition: def("wf", "* * * * *")})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "already started")
	s.Stop()
	s.Stop()
}

func TestCalculateNextRun(t *testing.T) {
	s, _, _ := newTestScheduler()
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("@hourly", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("61 * * * *", from)
	assert.Error(t, err)
}
