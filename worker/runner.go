package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Executor runs one task type. Executors report their own domain
// outcomes through the client (CompleteTask / FailTask) and return nil;
// a returned error means something unexpected escaped and the runner
// records a generic internal failure.
type Executor interface {
	Execute(ctx context.Context, task Task, workDir string) error
}

// Runner is the worker runtime: a poll loop claiming and dispatching
// tasks, and a heartbeat loop reporting liveness and applying server
// directives. Execution fans out to one goroutine per claimed task,
// bounded by MaxConcurrentTasks.
type Runner struct {
	cfg       *Config
	client    *Client
	resolver  *Resolver
	executors map[string]Executor
	log       *slog.Logger

	// OnTasksChanged, when set, is called after the in-flight set
	// changes. The daemon uses it to broadcast status.
	OnTasksChanged func()

	mu       sync.Mutex
	workerID string
	maxTasks int
	inFlight map[string]context.CancelFunc
	wg       sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRunner wires a runtime from its parts. The executors map is keyed
// by task type; a nil map is fine, callers can add entries with
// RegisterExecutor before Start.
func NewRunner(cfg *Config, client *Client, executors map[string]Executor, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if executors == nil {
		executors = make(map[string]Executor)
	}
	return &Runner{
		cfg:       cfg,
		client:    client,
		resolver:  NewResolver(cfg.WorkspaceRoot),
		executors: executors,
		log:       log,
		maxTasks:  cfg.MaxConcurrentTasks,
		inFlight:  make(map[string]context.CancelFunc),
		stopped:   make(chan struct{}),
	}
}

// RegisterExecutor binds an executor to one or more task types. It
// exists because executors often need the runner's WorkerID, which is
// only known after construction. Not safe to call after Start.
func (r *Runner) RegisterExecutor(ex Executor, taskTypes ...string) {
	for _, tt := range taskTypes {
		r.executors[tt] = ex
	}
}

// WorkerID returns the id assigned at registration, or "" before it.
func (r *Runner) WorkerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workerID
}

// RunningTasks returns the ids currently in flight.
func (r *Runner) RunningTasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.inFlight))
	for id := range r.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Start registers with the server, adopts any returned overrides, and
// runs the poll and heartbeat loops until ctx is cancelled or Stop is
// called. In-flight tasks are cancelled and awaited before return.
func (r *Runner) Start(ctx context.Context) error {
	hostname, _ := os.Hostname()
	reg, err := r.client.RegisterWorker(ctx, hostname, []string{"agent", "jira", "gitlab", "board_plan", "card_gen"})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	r.mu.Lock()
	r.workerID = reg.WorkerID
	if reg.MaxConcurrentTasks > 0 {
		r.maxTasks = reg.MaxConcurrentTasks
	}
	r.mu.Unlock()
	if reg.PollIntervalSeconds > 0 {
		r.cfg.PollInterval = secondsToDuration(reg.PollIntervalSeconds)
	}

	r.log.Info("worker registered", "worker_id", reg.WorkerID, "hostname", hostname)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopped:
			cancel()
		case <-runCtx.Done():
		}
	}()

	g, loopCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.pollLoop(loopCtx) })
	g.Go(func() error { return r.heartbeatLoop(loopCtx) })
	err = g.Wait()

	// Cancel whatever is still running and wait for the reporting to
	// settle; one crashing task never blocks the others' teardown.
	r.mu.Lock()
	for id, cancelTask := range r.inFlight {
		r.log.Info("cancelling task on shutdown", "task_id", id)
		cancelTask()
	}
	r.mu.Unlock()
	r.wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop signals the runtime to shut down. Safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

func (r *Runner) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		r.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	r.mu.Lock()
	workerID := r.workerID
	slots := r.maxTasks - len(r.inFlight)
	r.mu.Unlock()
	if slots <= 0 {
		return
	}

	tasks, err := r.client.PollTasks(ctx, workerID, slots)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("poll failed", "error", err)
		}
		return
	}

	for _, task := range tasks {
		r.mu.Lock()
		_, active := r.inFlight[task.ID]
		full := len(r.inFlight) >= r.maxTasks
		r.mu.Unlock()
		if active || full {
			continue
		}

		if err := r.client.ClaimTask(ctx, task.ID, workerID); err != nil {
			if errors.Is(err, ErrConflict) {
				r.log.Debug("task already claimed", "task_id", task.ID)
			} else if ctx.Err() == nil {
				r.log.Warn("claim failed", "task_id", task.ID, "error", err)
			}
			continue
		}
		r.log.Info("claimed task", "task_id", task.ID, "task_type", task.TaskType)

		taskCtx, cancelTask := context.WithCancel(ctx)
		r.mu.Lock()
		r.inFlight[task.ID] = cancelTask
		r.mu.Unlock()
		r.notifyTasksChanged()

		r.wg.Add(1)
		go func(task Task) {
			defer r.wg.Done()
			defer cancelTask()
			r.executeTask(taskCtx, task)
			r.mu.Lock()
			delete(r.inFlight, task.ID)
			r.mu.Unlock()
			r.notifyTasksChanged()
		}(task)
	}
}

// executeTask resolves the workspace, dispatches to the executor for
// the task type, and translates escapes into failure reports.
func (r *Runner) executeTask(ctx context.Context, task Task) {
	workDir := r.resolveWorkspace(ctx, task)

	ex, ok := r.executors[task.TaskType]
	if !ok {
		r.reportFail(task.ID, "Unknown task type: "+task.TaskType)
		return
	}

	err := ex.Execute(ctx, task, workDir)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		r.log.Info("task cancelled", "task_id", task.ID)
		r.reportFail(task.ID, "Task cancelled by worker")
	default:
		r.log.Error("unhandled error executing task", "task_id", task.ID, "error", err)
		r.reportFail(task.ID, "Internal worker error")
	}
}

// reportFail is a best-effort failure report made off the (possibly
// cancelled) task context.
func (r *Runner) reportFail(taskID, summary string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.FailTask(ctx, taskID, r.WorkerID(), summary, ""); err != nil {
		r.log.Warn("failed to report task failure", "task_id", taskID, "error", err)
	}
}

func (r *Runner) resolveWorkspace(ctx context.Context, task Task) string {
	if task.BoardID == "" {
		return ""
	}
	settings, err := r.client.BoardSettings(ctx, task.BoardID)
	if err != nil {
		r.log.Debug("workspace resolution failed, using default", "board_id", task.BoardID, "error", err)
		return ""
	}
	return r.resolver.Resolve(ctx, settings)
}

func (r *Runner) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		r.heartbeatOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) heartbeatOnce(ctx context.Context) {
	resp, err := r.client.Heartbeat(ctx, r.WorkerID(), r.RunningTasks(), systemLoad())
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("heartbeat failed", "error", err)
		}
		return
	}

	for _, id := range resp.Directives.CancelTaskIDs {
		r.mu.Lock()
		cancelTask, ok := r.inFlight[id]
		r.mu.Unlock()
		if ok {
			r.log.Info("server requested cancellation", "task_id", id)
			cancelTask()
		}
	}
	if n := resp.Directives.MaxConcurrentTasks; n > 0 {
		r.mu.Lock()
		r.maxTasks = n
		r.mu.Unlock()
	}
}

func (r *Runner) notifyTasksChanged() {
	if r.OnTasksChanged != nil {
		r.OnTasksChanged()
	}
}

// systemLoad reads the 1-minute load average, 0 when unavailable.
func systemLoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}
