package trigger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelit/pipelit/workflow"
)

type fakeStore struct {
	mu    sync.Mutex
	wfs   map[string]*workflow.Workflow
	execs map[string]*workflow.Execution
}

func newFakeStore(wfs ...*workflow.Workflow) *fakeStore {
	s := &fakeStore{wfs: make(map[string]*workflow.Workflow), execs: make(map[string]*workflow.Execution)}
	for _, wf := range wfs {
		s.wfs[wf.Slug] = wf
	}
	return s
}

func (s *fakeStore) GetWorkflowBySlug(_ context.Context, slug string) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.wfs[slug]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return wf, nil
}

func (s *fakeStore) CreateExecution(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *fakeStore) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *fakeStore) only(t *testing.T) *workflow.Execution {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.execs, 1)
	for _, exec := range s.execs {
		cp := *exec
		return &cp
	}
	return nil
}

type fakeEngine struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
}

func (e *fakeEngine) Enqueue(_ context.Context, executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueued = append(e.enqueued, executionID)
	return nil
}

func (e *fakeEngine) Cancel(_ context.Context, executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, executionID)
	return nil
}

type fakeSchedules struct {
	created []*workflow.ScheduledJob
	ops     []string
}

func (f *fakeSchedules) Create(_ context.Context, job *workflow.ScheduledJob) error {
	f.created = append(f.created, job)
	return nil
}
func (f *fakeSchedules) Pause(_ context.Context, id string) error {
	f.ops = append(f.ops, "pause:"+id)
	return nil
}
func (f *fakeSchedules) Resume(_ context.Context, id string) error {
	f.ops = append(f.ops, "resume:"+id)
	return nil
}
func (f *fakeSchedules) Delete(_ context.Context, id string) error {
	f.ops = append(f.ops, "delete:"+id)
	return nil
}

func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf1", Slug: "assistant", EpicID: "epic-1",
		Nodes: []*workflow.Node{
			{ID: "r1", NodeID: "chat-in", ComponentType: workflow.ComponentTriggerChat},
			{ID: "r2", NodeID: "hook-in", ComponentType: workflow.ComponentTriggerWebhook},
			{ID: "r3", NodeID: "reply", ComponentType: workflow.ComponentTemplate},
		},
	}
}

func TestEnqueueExecution_DefaultsToFirstTrigger(t *testing.T) {
	store := newFakeStore(testWorkflow())
	engine := &fakeEngine{}
	svc := New(store, engine, nil)

	id, err := svc.EnqueueExecution(context.Background(), "assistant", Options{
		Payload:  workflow.TriggerPayload{Text: "hello"},
		ThreadID: "thread-7",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	exec := store.only(t)
	assert.Equal(t, id, exec.ID)
	assert.Equal(t, workflow.ExecutionPending, exec.Status)
	assert.Equal(t, "chat-in", exec.TriggerNodeID)
	assert.Equal(t, "thread-7", exec.ThreadID)
	assert.Equal(t, "epic-1", exec.EpicID, "workflow epic linkage is inherited")
	assert.Equal(t, "hello", exec.TriggerData.Text)
	assert.Equal(t, []string{id}, engine.enqueued)
}

func TestEnqueueExecution_ExplicitTriggerNode(t *testing.T) {
	store := newFakeStore(testWorkflow())
	svc := New(store, &fakeEngine{}, nil)

	_, err := svc.EnqueueExecution(context.Background(), "assistant", Options{TriggerNodeID: "hook-in"})
	require.NoError(t, err)
	assert.Equal(t, "hook-in", store.only(t).TriggerNodeID)
}

func TestEnqueueExecution_Rejections(t *testing.T) {
	store := newFakeStore(testWorkflow())
	svc := New(store, &fakeEngine{}, nil)
	ctx := context.Background()

	_, err := svc.EnqueueExecution(ctx, "missing", Options{})
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = svc.EnqueueExecution(ctx, "assistant", Options{TriggerNodeID: "reply"})
	assert.ErrorContains(t, err, "not a trigger")

	_, err = svc.EnqueueExecution(ctx, "assistant", Options{TriggerNodeID: "ghost"})
	assert.ErrorContains(t, err, "has no node")
}

func TestEnqueueExecution_EpicOverride(t *testing.T) {
	store := newFakeStore(testWorkflow())
	svc := New(store, &fakeEngine{}, nil)

	_, err := svc.EnqueueExecution(context.Background(), "assistant", Options{EpicID: "epic-override", TaskID: "task-9"})
	require.NoError(t, err)

	exec := store.only(t)
	assert.Equal(t, "epic-override", exec.EpicID)
	assert.Equal(t, "task-9", exec.TaskID)
}

func TestCancelExecution(t *testing.T) {
	engine := &fakeEngine{}
	svc := New(newFakeStore(), engine, nil)

	require.NoError(t, svc.CancelExecution(context.Background(), "exec-1"))
	assert.Equal(t, []string{"exec-1"}, engine.cancelled)
}

func TestLaunchScheduled(t *testing.T) {
	store := newFakeStore(testWorkflow())
	svc := New(store, &fakeEngine{}, nil)

	job := &workflow.ScheduledJob{
		ID: "j1", WorkflowSlug: "assistant", TriggerNodeID: "hook-in",
		TriggerData: &workflow.TriggerPayload{Payload: map[string]any{"source": "cron"}},
	}
	id, err := svc.LaunchScheduled(context.Background(), job)
	require.NoError(t, err)

	exec := store.only(t)
	assert.Equal(t, id, exec.ID)
	assert.Equal(t, "hook-in", exec.TriggerNodeID)
	assert.Equal(t, "cron", exec.TriggerData.Payload["source"])

	status, err := svc.ExecutionStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionPending, status)
}

func TestCreateSchedule_FillsWorkflowLinkage(t *testing.T) {
	store := newFakeStore(testWorkflow())
	schedules := &fakeSchedules{}
	svc := New(store, &fakeEngine{}, nil)
	svc.AttachSchedules(schedules)

	job := &workflow.ScheduledJob{WorkflowSlug: "assistant", IntervalSeconds: 60}
	require.NoError(t, svc.CreateSchedule(context.Background(), job))

	require.Len(t, schedules.created, 1)
	created := schedules.created[0]
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "wf1", created.WorkflowID)
	assert.Equal(t, "chat-in", created.TriggerNodeID, "defaults to the first trigger node")
}

func TestScheduleOpsDelegate(t *testing.T) {
	schedules := &fakeSchedules{}
	svc := New(newFakeStore(), &fakeEngine{}, nil)
	svc.AttachSchedules(schedules)

	ctx := context.Background()
	require.NoError(t, svc.PauseSchedule(ctx, "j1"))
	require.NoError(t, svc.ResumeSchedule(ctx, "j1"))
	require.NoError(t, svc.DeleteSchedule(ctx, "j1"))
	assert.Equal(t, []string{"pause:j1", "resume:j1", "delete:j1"}, schedules.ops)
}
