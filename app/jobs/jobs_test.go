package jobs

import (
	"context"
	"errors"
	"os"
	"testing"

	"agent_loyalty/app/scheduler"
	"agent_loyalty/app/syncengine"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logHook *test.Hook

func TestMain(m *testing.M) {
	JobLogger, logHook = test.NewNullLogger()
	JobLogger.SetLevel(logrus.DebugLevel)
	os.Exit(m.Run())
}

type fakeRunner struct {
	processed int
	err       error
	calls     int
}

func (r *fakeRunner) RunDue(context.Context) (int, error) {
	r.calls++
	return r.processed, r.err
}

type fakeChecker struct {
	name   string
	report syncengine.HealthReport
	err    error
	calls  int
}

func (c *fakeChecker) Name() string { return c.name }

func (c *fakeChecker) Check(context.Context) (syncengine.HealthReport, error) {
	c.calls++
	return c.report, c.err
}

func TestQueueRunnerJob(t *testing.T) {
	logHook.Reset()
	runner := &fakeRunner{processed: 3}
	job := NewQueueRunnerJob("queue-runner-job", "*/5 * * * * *", runner)

	require.NoError(t, job.Execute(context.Background()))
	assert.Equal(t, 1, runner.calls)
	require.NotNil(t, logHook.LastEntry())
	assert.Equal(t, 3, logHook.LastEntry().Data["processed_actions"])
	assert.Equal(t, scheduler.JobStatusCompleted, job.Metadata().Status)

	runner.err = errors.New("database is locked")
	assert.Error(t, job.Execute(context.Background()))
	assert.Equal(t, logrus.ErrorLevel, logHook.LastEntry().Level)
	assert.Equal(t, scheduler.JobStatusFailed, job.Metadata().Status)
}

func TestQueueRunnerJob_QuietWhenNothingDue(t *testing.T) {
	logHook.Reset()
	job := NewQueueRunnerJob("queue-runner-job", "*/5 * * * * *", &fakeRunner{})

	require.NoError(t, job.Execute(context.Background()))
	for _, e := range logHook.AllEntries() {
		assert.Equal(t, logrus.DebugLevel, e.Level)
	}
}

func TestHealthCheckJob_ChecksEveryEngine(t *testing.T) {
	logHook.Reset()
	sync := &fakeChecker{name: "sync", report: syncengine.HealthReport{Engine: "sync", Stale: true, RequeuedBatches: 2}}
	broken := &fakeChecker{name: "import", err: errors.New("mongo timeout")}
	job := NewHealthCheckJob("health-check-job", "0 0 * * * *", broken, sync)

	err := job.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine import")
	assert.Equal(t, 1, sync.calls)

	warned := false
	for _, e := range logHook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["engine"] == "sync" {
			warned = true
			assert.Equal(t, 2, e.Data["requeued_batches"])
		}
	}
	assert.True(t, warned)
}

func TestHealthCheckJob_AllHealthy(t *testing.T) {
	logHook.Reset()
	job := NewHealthCheckJob("health-check-job", "0 0 * * * *", &fakeChecker{name: "sync"}, &fakeChecker{name: "import"})

	require.NoError(t, job.Execute(context.Background()))
	last := logHook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, 2, last.Data["engines"])
	assert.Equal(t, 0, last.Data["requeued_batches"])
}
