package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

type fakeJobRepo struct {
	jobs     map[string]model.ScheduledJob
	runbooks map[string]model.Runbook
	nextID   int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{
		jobs:     make(map[string]model.ScheduledJob),
		runbooks: map[string]model.Runbook{"rb-1": {ID: "rb-1", Name: "restart nginx", Enabled: true}},
	}
}

func (f *fakeJobRepo) InsertScheduledJob(_ context.Context, j model.ScheduledJob) (model.ScheduledJob, error) {
	if j.ID == "" {
		f.nextID++
		j.ID = "job-1"
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobRepo) GetScheduledJob(_ context.Context, id string) (model.ScheduledJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return model.ScheduledJob{}, sql.ErrNoRows
	}
	return j, nil
}

func (f *fakeJobRepo) UpdateScheduledJob(_ context.Context, j model.ScheduledJob) (model.ScheduledJob, error) {
	if _, ok := f.jobs[j.ID]; !ok {
		return model.ScheduledJob{}, sql.ErrNoRows
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobRepo) SetScheduledJobEnabled(_ context.Context, id string, enabled bool, nextRunAt *time.Time) error {
	j, ok := f.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	j.Enabled = enabled
	j.NextRunAt = nextRunAt
	f.jobs[id] = j
	return nil
}

func (f *fakeJobRepo) DeleteScheduledJob(_ context.Context, id string) error {
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobRepo) GetRunbook(_ context.Context, id string) (model.Runbook, error) {
	rb, ok := f.runbooks[id]
	if !ok {
		return model.Runbook{}, sql.ErrNoRows
	}
	return rb, nil
}

func TestJobsCreateStampsNextRun(t *testing.T) {
	t.Parallel()

	jobs := NewJobs(newFakeJobRepo())
	created, err := jobs.Create(context.Background(), model.ScheduledJob{
		RunbookID:       "rb-1",
		Name:            "hourly restart",
		ScheduleType:    model.ScheduleCron,
		CronExpression:  "0 * * * *",
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.NextRunAt == nil || !created.NextRunAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("NextRunAt = %v, want a future time", created.NextRunAt)
	}
}

func TestJobsCreateRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	jobs := NewJobs(newFakeJobRepo())
	cases := []model.ScheduledJob{
		{RunbookID: "rb-1", ScheduleType: model.ScheduleCron, CronExpression: "not a cron"},
		{RunbookID: "rb-1", ScheduleType: model.ScheduleInterval, IntervalSeconds: 0},
		{RunbookID: "rb-1", ScheduleType: model.ScheduleDate},
		{RunbookID: "rb-1", ScheduleType: "weekly"},
		{RunbookID: "missing", ScheduleType: model.ScheduleInterval, IntervalSeconds: 60},
		{ScheduleType: model.ScheduleInterval, IntervalSeconds: 60},
		{RunbookID: "rb-1", ScheduleType: model.ScheduleInterval, IntervalSeconds: 60, Timezone: "Mars/Olympus"},
	}
	for i, job := range cases {
		if _, err := jobs.Create(context.Background(), job); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("case %d: Create() error = %v, want ErrInvalidSchedule", i, err)
		}
	}
}

func TestJobsPauseAndResume(t *testing.T) {
	t.Parallel()

	repo := newFakeJobRepo()
	jobs := NewJobs(repo)
	created, err := jobs.Create(context.Background(), model.ScheduledJob{
		RunbookID:       "rb-1",
		ScheduleType:    model.ScheduleInterval,
		IntervalSeconds: 300,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := jobs.Pause(context.Background(), created.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	paused := repo.jobs[created.ID]
	if paused.Enabled || paused.NextRunAt != nil {
		t.Fatalf("paused job = %+v, want disabled with nil NextRunAt", paused)
	}

	resumed, err := jobs.Resume(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !resumed.Enabled || resumed.NextRunAt == nil {
		t.Fatalf("resumed job = %+v, want enabled with NextRunAt set", resumed)
	}
}

func TestJobsUpdatePreservesCounters(t *testing.T) {
	t.Parallel()

	repo := newFakeJobRepo()
	jobs := NewJobs(repo)
	created, err := jobs.Create(context.Background(), model.ScheduledJob{
		RunbookID:       "rb-1",
		ScheduleType:    model.ScheduleInterval,
		IntervalSeconds: 300,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	j := repo.jobs[created.ID]
	j.RunCount = 7
	j.FailureCount = 2
	repo.jobs[created.ID] = j

	updated, err := jobs.Update(context.Background(), model.ScheduledJob{
		ID:              created.ID,
		RunbookID:       "rb-1",
		ScheduleType:    model.ScheduleInterval,
		IntervalSeconds: 600,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.RunCount != 7 || updated.FailureCount != 2 {
		t.Errorf("counters = (%d, %d), want (7, 2)", updated.RunCount, updated.FailureCount)
	}
	if updated.IntervalSeconds != 600 {
		t.Errorf("IntervalSeconds = %d, want 600", updated.IntervalSeconds)
	}
}

func TestInitialNextRunDateSchedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	fireAt := time.Date(2026, 7, 4, 3, 0, 0, 0, time.UTC)
	next, ok := initialNextRun(model.ScheduledJob{ScheduleType: model.ScheduleDate, StartDate: &fireAt}, now)
	if !ok || next == nil || !next.Equal(fireAt) {
		t.Fatalf("initialNextRun() = (%v, %v), want (%v, true)", next, ok, fireAt)
	}
}

func TestInitialNextRunHonorsFutureStartDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	next, ok := initialNextRun(model.ScheduledJob{
		ScheduleType:    model.ScheduleInterval,
		IntervalSeconds: 60,
		StartDate:       &start,
	}, now)
	if !ok || next == nil || !next.Equal(start) {
		t.Fatalf("initialNextRun() = (%v, %v), want start date %v", next, ok, start)
	}
}

func TestInitialNextRunRespectsEndDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	end := now.Add(30 * time.Second)
	_, ok := initialNextRun(model.ScheduledJob{
		ScheduleType:    model.ScheduleInterval,
		IntervalSeconds: 60,
		EndDate:         &end,
	}, now)
	if ok {
		t.Fatal("initialNextRun() ok = true, want false past end_date")
	}
}
