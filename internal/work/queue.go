package work

import (
	"sync"
	"time"
)

// Queue is the priority/dependency-aware task queue: a per-priority FIFO
// bucket, a dependency graph, and a completed-task set.
type Queue struct {
	mu                 sync.Mutex
	buckets            map[Priority][]*Task
	tasks              map[string]*Task
	dependencies       map[string]map[string]bool // taskID -> set of dependency taskIDs
	completed          map[string]bool
	nextSeq            uint64
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	q := &Queue{
		buckets:      make(map[Priority][]*Task),
		tasks:        make(map[string]*Task),
		dependencies: make(map[string]map[string]bool),
		completed:    make(map[string]bool),
	}
	for _, p := range Priorities {
		q.buckets[p] = nil
	}
	return q
}

// Enqueue adds task to the queue. Returns false if a task with the same
// ID is already present.
func (q *Queue) Enqueue(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[task.TaskID]; exists {
		return false
	}

	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.State = StatePending
	q.nextSeq++
	task.seq = q.nextSeq
	q.tasks[task.TaskID] = task

	if len(task.Requirements.Dependencies) > 0 {
		deps := make(map[string]bool, len(task.Requirements.Dependencies))
		for _, dep := range task.Requirements.Dependencies {
			deps[dep] = true
		}
		q.dependencies[task.TaskID] = deps
	}

	if q.isReadyLocked(task) {
		q.buckets[task.Priority] = append(q.buckets[task.Priority], task)
	}

	return true
}

func (q *Queue) isReadyLocked(task *Task) bool {
	for dep := range q.dependencies[task.TaskID] {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

func matchesCapabilities(task *Task, capabilities []string) bool {
	if len(task.Requirements.Capabilities) == 0 {
		return true
	}
	available := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		available[c] = true
	}
	for _, required := range task.Requirements.Capabilities {
		if !available[required] {
			return false
		}
	}
	return true
}

func hasResources(task *Task, resources Resources) bool {
	req := task.Requirements
	if req.MinMemoryMB > resources.MemoryMB {
		return false
	}
	if req.MinCPUCores > resources.CPUCores {
		return false
	}
	if req.MinGPUMemoryMB > resources.GPUMemoryMB {
		return false
	}
	return true
}

// Dequeue returns the highest-priority, earliest-enqueued task matching
// capabilities and resources, removing it from its bucket and
// transitioning it to Assigned. Returns nil if nothing matches.
func (q *Queue) Dequeue(capabilities []string, resources Resources) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, priority := range Priorities {
		bucket := q.buckets[priority]
		for i, task := range bucket {
			if task.State != StatePending {
				continue
			}
			if !q.isReadyLocked(task) {
				continue
			}
			if !matchesCapabilities(task, capabilities) {
				continue
			}
			if !hasResources(task, resources) {
				continue
			}

			task.State = StateAssigned
			q.buckets[priority] = append(bucket[:i:i], bucket[i+1:]...)
			return task
		}
	}
	return nil
}

// CompleteTask records a task's terminal result and promotes any tasks
// whose dependencies just became satisfied.
func (q *Queue) CompleteTask(taskID string, result Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return false
	}

	if result.Success {
		task.State = StateCompleted
		q.completed[taskID] = true
	} else {
		task.State = StateFailed
	}
	task.Result = result.Result
	task.Err = result.Err
	task.CompletedAt = time.Now()

	q.promoteReadyTasksLocked()
	return true
}

func (q *Queue) promoteReadyTasksLocked() {
	for _, task := range q.tasks {
		if task.State != StatePending {
			continue
		}
		if !q.isReadyLocked(task) {
			continue
		}
		if q.inBucketLocked(task) {
			continue
		}
		q.buckets[task.Priority] = append(q.buckets[task.Priority], task)
	}
}

func (q *Queue) inBucketLocked(task *Task) bool {
	for _, t := range q.buckets[task.Priority] {
		if t.TaskID == task.TaskID {
			return true
		}
	}
	return false
}

// RetryTask re-enqueues a failed task at the head of its priority class
// if attempts remain, so retries jump ahead of newly enqueued work in
// the same class. Returns false if max-attempts has already been
// reached.
func (q *Queue) RetryTask(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.Attempts >= task.MaxAttempts {
		return false
	}

	task.State = StatePending
	task.AssignedAgent = ""
	q.nextSeq++
	task.seq = q.nextSeq
	q.buckets[task.Priority] = append([]*Task{task}, q.buckets[task.Priority]...)
	return true
}

// Requeue clears a dispatched-but-not-yet-running task's agent affinity
// and returns it to the tail of its priority bucket as ordinary
// dequeuable work. The distributor does not call it. Returns false if taskID is unknown or already past the Assigned state.
func (q *Queue) Requeue(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.State != StateAssigned {
		return false
	}

	task.State = StatePending
	task.AssignedAgent = ""
	q.nextSeq++
	task.seq = q.nextSeq
	q.buckets[task.Priority] = append(q.buckets[task.Priority], task)
	return true
}

// Get returns the task with the given id, if known.
func (q *Queue) Get(taskID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	return task, ok
}

// RunningTasks returns a snapshot of every task currently in the Running
// state, for the monitoring loop's stuck-task scan.
func (q *Queue) RunningTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var running []*Task
	for _, task := range q.tasks {
		if task.State == StateRunning {
			running = append(running, task)
		}
	}
	return running
}

// MarkRunning transitions an assigned task to Running, stamping
// started-at and incrementing attempts.
func (q *Queue) MarkRunning(taskID, agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return
	}
	task.State = StateRunning
	task.AssignedAgent = agentID
	task.StartedAt = time.Now()
	task.Attempts++
}

// Stats summarizes the queue's contents for diagnostics.
type Stats struct {
	Total      int
	Pending    int
	Running    int
	Completed  int
	Failed     int
	ByPriority map[Priority]int
}

// Stats computes a Stats snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{ByPriority: make(map[Priority]int, len(Priorities))}
	for _, task := range q.tasks {
		stats.Total++
		switch task.State {
		case StatePending:
			stats.Pending++
		case StateRunning:
			stats.Running++
		case StateCompleted:
			stats.Completed++
		case StateFailed:
			stats.Failed++
		}
	}
	for _, p := range Priorities {
		stats.ByPriority[p] = len(q.buckets[p])
	}
	return stats
}
