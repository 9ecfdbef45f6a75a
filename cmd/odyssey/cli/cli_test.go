package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-wms/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueDefault, Type: task.Type(), Payload: task.Payload()}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
}

func (s *stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) { return s.info, nil }

func (s *stubInspector) ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, nil
}

func (s *stubInspector) Close() error { return nil }

func testEnv(client *JobsCLI) (Env, *bytes.Buffer, *bytes.Buffer) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	return Env{
		RedisAddr: "unused",
		Stdout:    stdout,
		Stderr:    stderr,
		newJobs:   func(string) (*JobsCLI, error) { return client, nil },
	}, stdout, stderr
}

func TestCommitStagingEnqueuesTask(t *testing.T) {
	enq := &stubEnqueuer{}
	env, stdout, _ := testEnv(&JobsCLI{client: enq, inspector: &stubInspector{}})

	code := Run(context.Background(), env, []string{"jobs", "commit-staging", "-tenant", "12", "-source", "daily.xlsx", "-limit", "40"})
	require.Equal(t, 0, code)
	require.Len(t, enq.tasks, 1)
	require.Equal(t, jobs.TaskInventoryStagingCommit, enq.tasks[0].Type())

	var payload jobs.StagingCommitPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, jobs.StagingCommitPayload{TenantID: 12, SourceFileName: "daily.xlsx", Limit: 40}, payload)
	require.Contains(t, stdout.String(), `"id": "task-1"`)
}

func TestCommitStagingRequiresTenant(t *testing.T) {
	enq := &stubEnqueuer{}
	env, _, stderr := testEnv(&JobsCLI{client: enq, inspector: &stubInspector{}})

	require.Equal(t, 2, Run(context.Background(), env, []string{"jobs", "commit-staging"}))
	require.Empty(t, enq.tasks)
	require.Contains(t, stderr.String(), "-tenant")
}

func TestCommitStagingEnqueueFailure(t *testing.T) {
	env, _, stderr := testEnv(&JobsCLI{client: &stubEnqueuer{err: errors.New("redis down")}, inspector: &stubInspector{}})

	require.Equal(t, 1, Run(context.Background(), env, []string{"jobs", "commit-staging", "-tenant", "1"}))
	require.Contains(t, stderr.String(), "redis down")
}

func TestQueueCommandPrintsStats(t *testing.T) {
	inspector := &stubInspector{info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 4, Scheduled: 2}}
	env, stdout, _ := testEnv(&JobsCLI{client: &stubEnqueuer{}, inspector: inspector})

	require.Equal(t, 0, Run(context.Background(), env, []string{"jobs", "queue"}))
	var stats QueueStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 4, Scheduled: 2}, stats)
}

func TestScheduledCommandListsTasks(t *testing.T) {
	inspector := &stubInspector{scheduled: []*asynq.TaskInfo{{ID: "a", Type: jobs.TaskInventoryStagingCommit, Payload: []byte(`{"tenantId":1}`)}}}
	env, stdout, _ := testEnv(&JobsCLI{client: &stubEnqueuer{}, inspector: inspector})

	require.Equal(t, 0, Run(context.Background(), env, []string{"jobs", "scheduled"}))
	require.Contains(t, stdout.String(), jobs.TaskInventoryStagingCommit)
}

func TestCheckLedgerEnqueues(t *testing.T) {
	enq := &stubEnqueuer{}
	env, _, _ := testEnv(&JobsCLI{client: enq, inspector: &stubInspector{}})

	require.Equal(t, 0, Run(context.Background(), env, []string{"jobs", "check-ledger", "-limit", "5"}))
	require.Equal(t, jobs.TaskInventoryLedgerIntegrity, enq.tasks[0].Type())
}

func TestCatalogBumpCache(t *testing.T) {
	mr := miniredis.RunT(t)
	env, stdout, _ := testEnv(nil)
	env.RedisAddr = mr.Addr()
	env.newRedis = func(addr string) *redis.Client { return redis.NewClient(&redis.Options{Addr: addr}) }

	require.Equal(t, 0, Run(context.Background(), env, []string{"catalog", "bump-cache"}))
	require.Contains(t, stdout.String(), "invalidated")
	require.True(t, mr.Exists("catalog:version"))
}

func TestUnknownCommand(t *testing.T) {
	env, _, stderr := testEnv(nil)
	require.Equal(t, 2, Run(context.Background(), env, []string{"nope"}))
	require.Equal(t, 2, Run(context.Background(), env, []string{"catalog", "drop"}))
	require.Contains(t, stderr.String(), "usage:")
}

func TestNilClientGuards(t *testing.T) {
	var c *JobsCLI
	_, err := c.TriggerStagingCommit(context.Background(), jobs.StagingCommitPayload{TenantID: 1})
	require.Error(t, err)
	_, err = c.InspectQueue(context.Background())
	require.Error(t, err)
}
