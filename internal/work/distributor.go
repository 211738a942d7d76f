// Package work's Distributor is the high-level coordinator that wires a
// Queue and a LoadBalancer together with agent dispatch callbacks,
// driven by a gocron scheduler running three independent fixed-duration
// jobs instead of the usual cron-expression policy ticks.
package work

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher delivers a WorkUnit to an agent. Returning an error means the
// unit could not be handed off (agent disconnected, send failed) and the
// task is returned to the queue.
type Dispatcher func(agentID string, unit WorkUnit) error

// ResultCallback is invoked once per completed (or failed) task.
type ResultCallback func(Result)

// Config bundles the distributor's timing knobs.
type Config struct {
	AssignmentInterval time.Duration // default 100ms
	MonitoringInterval time.Duration // default 10s
	RebalanceInterval  time.Duration // default 30s
	MaxTaskDuration    time.Duration // default 1h; running tasks older than this are failed
	RebalanceMaxGap    int           // default 5; rebalanceTick logs a warning when the max-min assignment-count gap exceeds this

	// OnSubmit, if set, is called once per SubmitTask call — a hook for
	// callers that expose task throughput as a metric.
	OnSubmit func()
	// OnComplete, if set, is called once per HandleResult call with the
	// outcome label ("success" or "failure").
	OnComplete func(outcome string)
}

func (c Config) withDefaults() Config {
	if c.AssignmentInterval <= 0 {
		c.AssignmentInterval = 100 * time.Millisecond
	}
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = 10 * time.Second
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = 30 * time.Second
	}
	if c.MaxTaskDuration <= 0 {
		c.MaxTaskDuration = time.Hour
	}
	if c.RebalanceMaxGap <= 0 {
		c.RebalanceMaxGap = 5
	}
	return c
}

type agentRegistration struct {
	capabilities []string
	dispatch     Dispatcher
}

// Distributor coordinates task submission, agent assignment, stuck-task
// monitoring, and load rebalancing across registered agents.
type Distributor struct {
	id    string
	queue *Queue
	lb    *LoadBalancer
	cfg   Config

	logger *zap.Logger
	cron   gocron.Scheduler

	mu          sync.Mutex
	agents      map[string]agentRegistration
	assignments map[string]map[string]bool // agentID -> set of taskIDs
	results     map[string]Result
	callbacks   map[string][]ResultCallback

	algorithm Algorithm
}

// New creates a Distributor. Call Start to begin the assignment,
// monitoring, and rebalancing loops.
func New(id string, logger *zap.Logger, cfg Config) (*Distributor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("work: creating scheduler: %w", err)
	}

	return &Distributor{
		id:          id,
		queue:       NewQueue(),
		lb:          NewLoadBalancer(),
		cfg:         cfg.withDefaults(),
		logger:      logger.Named("work"),
		cron:        cron,
		agents:      make(map[string]agentRegistration),
		assignments: make(map[string]map[string]bool),
		results:     make(map[string]Result),
		callbacks:   make(map[string][]ResultCallback),
		algorithm:   AlgorithmAdaptive,
	}, nil
}

// SetAlgorithm records the load-balancer selection strategy. Safe to call
// while running. assignmentTick does not consult it: each agent pulls its
// own next task from the queue.
func (d *Distributor) SetAlgorithm(algorithm Algorithm) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.algorithm = algorithm
}

// Start schedules and begins the three independent loops, each a
// gocron.DurationJob running in singleton mode so a slow tick never
// overlaps its own next invocation.
func (d *Distributor) Start() error {
	if _, err := d.cron.NewJob(
		gocron.DurationJob(d.cfg.AssignmentInterval),
		gocron.NewTask(d.assignmentTick),
		gocron.WithTags("assignment"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("work: scheduling assignment loop: %w", err)
	}

	if _, err := d.cron.NewJob(
		gocron.DurationJob(d.cfg.MonitoringInterval),
		gocron.NewTask(d.monitoringTick),
		gocron.WithTags("monitoring"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("work: scheduling monitoring loop: %w", err)
	}

	if _, err := d.cron.NewJob(
		gocron.DurationJob(d.cfg.RebalanceInterval),
		gocron.NewTask(d.rebalanceTick),
		gocron.WithTags("rebalance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("work: scheduling rebalance loop: %w", err)
	}

	d.cron.Start()
	d.logger.Info("work distributor started", zap.String("distributor_id", d.id))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight
// tick to finish.
func (d *Distributor) Stop() error {
	if err := d.cron.Shutdown(); err != nil {
		return fmt.Errorf("work: scheduler shutdown: %w", err)
	}
	d.logger.Info("work distributor stopped")
	return nil
}

// RegisterAgent makes agentID eligible for assignment, advertising
// capabilities and installing the callback used to hand it work.
func (d *Distributor) RegisterAgent(agentID string, capabilities []string, dispatch Dispatcher) {
	d.mu.Lock()
	d.agents[agentID] = agentRegistration{capabilities: capabilities, dispatch: dispatch}
	d.mu.Unlock()
	d.lb.UpdateAgentCapabilities(agentID, capabilities)
}

// UnregisterAgent removes agentID and returns its in-flight tasks to the
// queue for reassignment.
func (d *Distributor) UnregisterAgent(agentID string) {
	d.mu.Lock()
	delete(d.agents, agentID)
	assigned := d.assignments[agentID]
	delete(d.assignments, agentID)
	d.mu.Unlock()
	d.lb.RemoveAgent(agentID)

	for taskID := range assigned {
		d.queue.RetryTask(taskID)
	}
}

// UpdateAgentLoad records a fresh load snapshot for the load balancer.
func (d *Distributor) UpdateAgentLoad(agentID string, load AgentLoad) {
	d.lb.UpdateAgentLoad(agentID, load)
}

// SubmitTask enqueues a new task and returns its generated id.
func (d *Distributor) SubmitTask(taskType string, payload map[string]any, priority Priority, requirements Requirements, tags []string) string {
	task := &Task{
		TaskID:       uuid.NewString(),
		TaskType:     taskType,
		Payload:      payload,
		Priority:     priority,
		Requirements: requirements,
		Tags:         tags,
	}
	d.queue.Enqueue(task)
	if d.cfg.OnSubmit != nil {
		d.cfg.OnSubmit()
	}
	return task.TaskID
}

// OnResult registers a callback invoked when taskID's result arrives.
func (d *Distributor) OnResult(taskID string, callback ResultCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[taskID] = append(d.callbacks[taskID], callback)
}

// Result returns the stored result for taskID, if known.
func (d *Distributor) Result(taskID string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.results[taskID]
	return r, ok
}

// HandleResult records a task's outcome, clears its assignment, fires
// registered callbacks, and retries it if it failed and attempts remain.
func (d *Distributor) HandleResult(result Result) {
	d.queue.CompleteTask(result.TaskID, result)

	d.mu.Lock()
	d.results[result.TaskID] = result
	for _, tasks := range d.assignments {
		delete(tasks, result.TaskID)
	}
	callbacks := d.callbacks[result.TaskID]
	delete(d.callbacks, result.TaskID)
	d.mu.Unlock()

	for _, cb := range callbacks {
		cb(result)
	}

	if d.cfg.OnComplete != nil {
		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		d.cfg.OnComplete(outcome)
	}

	if !result.Success {
		task, ok := d.queue.Get(result.TaskID)
		if ok && task.Attempts < task.MaxAttempts {
			d.queue.RetryTask(result.TaskID)
		}
	}
}

// placeholderResources stands in for per-agent resource metrics that
// would otherwise come from live telemetry; until the gateway reports
// real figures, every agent is treated as having ample headroom and only
// capability matching actually constrains dequeue.
var placeholderResources = Resources{MemoryMB: 1000, CPUCores: 4, GPUMemoryMB: 0}

// assignmentTick tries to hand each registered agent one matching task
// per tick, dequeuing against that agent's own advertised capabilities.
func (d *Distributor) assignmentTick() {
	d.mu.Lock()
	agentIDs := make([]string, 0, len(d.agents))
	caps := make(map[string][]string, len(d.agents))
	for agentID, reg := range d.agents {
		agentIDs = append(agentIDs, agentID)
		caps[agentID] = reg.capabilities
	}
	d.mu.Unlock()

	for _, agentID := range agentIDs {
		task := d.queue.Dequeue(caps[agentID], placeholderResources)
		if task == nil {
			continue
		}
		if !d.dispatchToAgent(agentID, task) {
			d.queue.RetryTask(task.TaskID)
		}
	}
}

func (d *Distributor) dispatchToAgent(agentID string, task *Task) bool {
	d.mu.Lock()
	reg, ok := d.agents[agentID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	unit := WorkUnit{
		UnitID:  uuid.NewString(),
		TaskID:  task.TaskID,
		Payload: task.Payload,
	}

	if err := reg.dispatch(agentID, unit); err != nil {
		d.logger.Warn("dispatch failed",
			zap.String("agent_id", agentID),
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
		return false
	}

	d.queue.MarkRunning(task.TaskID, agentID)

	d.mu.Lock()
	if d.assignments[agentID] == nil {
		d.assignments[agentID] = make(map[string]bool)
	}
	d.assignments[agentID][task.TaskID] = true
	d.mu.Unlock()

	return true
}

// monitoringTick fails any task that has been Running longer than
// MaxTaskDuration, freeing it for retry.
func (d *Distributor) monitoringTick() {
	now := time.Now()
	for _, task := range d.queue.RunningTasks() {
		if task.StartedAt.IsZero() || now.Sub(task.StartedAt) < d.cfg.MaxTaskDuration {
			continue
		}
		d.logger.Warn("task exceeded max duration, marking failed",
			zap.String("task_id", task.TaskID),
			zap.Duration("max_duration", d.cfg.MaxTaskDuration),
		)
		d.HandleResult(Result{
			TaskID:  task.TaskID,
			AgentID: task.AssignedAgent,
			Success: false,
			Err:     "task exceeded max duration",
		})
	}
}

// rebalanceTick reports the per-agent assignment-count imbalance so it is
// visible in logs. assignmentTick already transitions a task straight to
// Running at dispatch, so there is no assigned-but-not-started task any
// tick here could pull back off a loaded agent and hand to an idle one —
// migrating live work would mean cancelling it mid-execution, which this
// distributor does not do. The imbalance is surfaced, not corrected.
func (d *Distributor) rebalanceTick() {
	d.mu.Lock()
	agentIDs := make([]string, 0, len(d.assignments))
	for agentID := range d.assignments {
		agentIDs = append(agentIDs, agentID)
	}
	maxAgent, maxCount, minCount := "", -1, -1
	for _, agentID := range agentIDs {
		count := len(d.assignments[agentID])
		if count > maxCount {
			maxAgent, maxCount = agentID, count
		}
		if minCount == -1 || count < minCount {
			minCount = count
		}
	}
	d.mu.Unlock()

	if len(agentIDs) < 2 || maxAgent == "" || maxCount-minCount <= d.cfg.RebalanceMaxGap {
		return
	}

	d.logger.Warn("agent load imbalance exceeds threshold",
		zap.String("most_loaded_agent_id", maxAgent),
		zap.Int("most_loaded_count", maxCount),
		zap.Int("least_loaded_count", minCount),
		zap.Int("max_gap", d.cfg.RebalanceMaxGap),
	)
}
