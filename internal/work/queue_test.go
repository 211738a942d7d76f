package work

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string, priority Priority) *Task {
	return &Task{TaskID: id, TaskType: "noop", Priority: priority}
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue(newTask("t1", PriorityNormal)))
	require.False(t, q.Enqueue(newTask("t1", PriorityNormal)))
}

func TestDequeueReturnsHighestPriorityFirst(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue(newTask("low", PriorityLow)))
	require.True(t, q.Enqueue(newTask("critical", PriorityCritical)))
	require.True(t, q.Enqueue(newTask("normal", PriorityNormal)))

	task := q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})
	require.NotNil(t, task)
	assert.Equal(t, "critical", task.TaskID)
	assert.Equal(t, StateAssigned, task.State)
}

func TestDequeueIsFIFOWithinPriority(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue(newTask("first", PriorityNormal)))
	require.True(t, q.Enqueue(newTask("second", PriorityNormal)))

	task := q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})
	require.NotNil(t, task)
	assert.Equal(t, "first", task.TaskID)
}

func TestDequeueSkipsTasksMissingCapability(t *testing.T) {
	q := NewQueue()
	withCap := &Task{TaskID: "needs-gpu", Priority: PriorityNormal, Requirements: Requirements{Capabilities: []string{"gpu"}}}
	require.True(t, q.Enqueue(withCap))

	task := q.Dequeue([]string{"cpu"}, Resources{MemoryMB: 1000, CPUCores: 4})
	assert.Nil(t, task)

	task = q.Dequeue([]string{"gpu", "cpu"}, Resources{MemoryMB: 1000, CPUCores: 4})
	require.NotNil(t, task)
	assert.Equal(t, "needs-gpu", task.TaskID)
}

func TestDequeueSkipsTasksExceedingResources(t *testing.T) {
	q := NewQueue()
	hungry := &Task{TaskID: "hungry", Priority: PriorityNormal, Requirements: Requirements{MinMemoryMB: 8000}}
	require.True(t, q.Enqueue(hungry))

	assert.Nil(t, q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4}))
	assert.NotNil(t, q.Dequeue(nil, Resources{MemoryMB: 9000, CPUCores: 4}))
}

func TestTaskWithUnmetDependencyIsNotDequeuedUntilDependencyCompletes(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue(newTask("base", PriorityNormal)))
	dependent := &Task{TaskID: "dependent", Priority: PriorityNormal, Requirements: Requirements{Dependencies: []string{"base"}}}
	require.True(t, q.Enqueue(dependent))

	task := q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})
	require.NotNil(t, task)
	assert.Equal(t, "base", task.TaskID)

	assert.Nil(t, q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4}))

	require.True(t, q.CompleteTask("base", Result{TaskID: "base", Success: true}))

	task = q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})
	require.NotNil(t, task)
	assert.Equal(t, "dependent", task.TaskID)
}

func TestCompleteTaskRecordsOutcome(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue(newTask("t1", PriorityNormal)))
	_ = q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})

	require.True(t, q.CompleteTask("t1", Result{TaskID: "t1", Success: true, Result: "ok"}))

	task, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, task.State)
	assert.Equal(t, "ok", task.Result)
}

func TestCompleteTaskUnknownIDReturnsFalse(t *testing.T) {
	q := NewQueue()
	assert.False(t, q.CompleteTask("nope", Result{}))
}

func TestRetryTaskReEnqueuesAtHeadUntilMaxAttempts(t *testing.T) {
	q := NewQueue()
	task := &Task{TaskID: "t1", Priority: PriorityNormal, MaxAttempts: 2}
	require.True(t, q.Enqueue(task))

	dequeued := q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})
	require.NotNil(t, dequeued)
	q.MarkRunning("t1", "agent-a")

	require.True(t, q.RetryTask("t1"))
	got, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)

	dequeued = q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})
	require.NotNil(t, dequeued)
	q.MarkRunning("t1", "agent-b")
	got.Attempts = 2 // simulate the agent having run it out to max attempts
	assert.False(t, q.RetryTask("t1"))
}

func TestRequeueOnlyAffectsAssignedTasks(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue(newTask("t1", PriorityNormal)))

	assert.False(t, q.Requeue("t1")) // still pending, never dispatched

	_ = q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})
	assert.True(t, q.Requeue("t1"))

	got, ok := q.Get("t1")
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.Empty(t, got.AssignedAgent)

	q.MarkRunning("t1", "agent-a")
	assert.False(t, q.Requeue("t1")) // already running, no longer migratable
}

func TestStatsCountsByStateAndPriority(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue(newTask("t1", PriorityCritical)))
	require.True(t, q.Enqueue(newTask("t2", PriorityLow)))
	_ = q.Dequeue(nil, Resources{MemoryMB: 1000, CPUCores: 4})

	stats := q.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.ByPriority[PriorityLow])
}
