package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/trestle/internal/observability"
)

// RegistryConfig paces the persistent sync loops the registry runs.
type RegistryConfig struct {
	// RestartDelay is the pause before restarting a sync loop that returned
	// cleanly.
	RestartDelay time.Duration
	// ErrorBackoff is the pause before restarting a sync loop that failed.
	ErrorBackoff time.Duration
}

// Registry holds the process-wide state that is not persisted: one Matrix
// client and at most one persistent sync task per user. All lifecycle
// components share a single registry.
type Registry struct {
	cfg     RegistryConfig
	log     *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	clients map[int64]Client
	tasks   map[int64]*syncTask
}

type syncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(cfg RegistryConfig, log *slog.Logger, metrics *observability.Metrics) *Registry {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 30 * time.Second
	}
	return &Registry{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		clients: make(map[int64]Client),
		tasks:   make(map[int64]*syncTask),
	}
}

// Client returns the cached client for the user, if any.
func (r *Registry) Client(userID int64) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[userID]
	return client, ok
}

// PutClient caches the client for the user. It reports true when the
// registry had no client or a different instance; storing the same instance
// again is a no-op, so message handlers are only registered once per
// instance.
func (r *Registry) PutClient(userID int64, client Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.clients[userID]
	if ok && prev == client {
		return false
	}
	r.clients[userID] = client
	if !ok {
		r.metrics.ActiveClients.Inc()
	}
	return true
}

// RemoveClient drops the cached client for the user.
func (r *Registry) RemoveClient(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[userID]; ok {
		delete(r.clients, userID)
		r.metrics.ActiveClients.Dec()
	}
}

// StartSyncTask starts the persistent sync loop for the client, replacing
// any task already running for the user. The invariant is at most one
// registered sync task per user; a replaced task is cancelled and drained
// before this returns.
func (r *Registry) StartSyncTask(ctx context.Context, userID int64, client Client) {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &syncTask{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	old := r.tasks[userID]
	r.tasks[userID] = task
	r.mu.Unlock()

	r.metrics.SyncTasks.Inc()
	go r.runSync(taskCtx, userID, client, task)

	if old != nil {
		old.cancel()
		<-old.done
	}
}

// EnsureSyncTask starts a sync loop only if the user has none. It reports
// whether a new task was started.
func (r *Registry) EnsureSyncTask(ctx context.Context, userID int64, client Client) bool {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &syncTask{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if _, running := r.tasks[userID]; running {
		r.mu.Unlock()
		cancel()
		return false
	}
	r.tasks[userID] = task
	r.mu.Unlock()

	r.metrics.SyncTasks.Inc()
	go r.runSync(taskCtx, userID, client, task)
	return true
}

func (r *Registry) runSync(ctx context.Context, userID int64, client Client, task *syncTask) {
	defer close(task.done)
	defer r.metrics.SyncTasks.Dec()
	r.log.Debug("sync task started", "user_id", userID)
	for {
		err := client.Sync(ctx)
		if ctx.Err() != nil {
			r.log.Debug("sync task stopped", "user_id", userID)
			return
		}
		if err != nil {
			r.log.Error("sync loop error", "user_id", userID, "error", err)
			r.metrics.SyncRestarts.Inc()
			if waitFor(ctx, r.cfg.ErrorBackoff) != nil {
				return
			}
			continue
		}
		if waitFor(ctx, r.cfg.RestartDelay) != nil {
			return
		}
	}
}

// StopSyncTask cancels the user's sync loop and waits for it to exit.
func (r *Registry) StopSyncTask(userID int64) {
	r.mu.Lock()
	task := r.tasks[userID]
	delete(r.tasks, userID)
	r.mu.Unlock()
	if task == nil {
		return
	}
	task.cancel()
	<-task.done
}

// HasSyncTask reports whether a sync loop is running for the user.
func (r *Registry) HasSyncTask(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[userID]
	return ok
}

// Shutdown stops every sync task and clears the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[int64]*syncTask)
	for userID := range r.clients {
		delete(r.clients, userID)
		r.metrics.ActiveClients.Dec()
	}
	r.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}
