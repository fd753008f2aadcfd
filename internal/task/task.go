// Package task manages the lifecycle of the background goroutines of
// go-anneal, such as the instrument polling loop.
//
// A Manager starts named tasks, recovers from panics inside them, and lets
// the owner stop them and wait until every task body has returned. Stop only
// signals; a task that is in the middle of an instrument exchange finishes
// that exchange before it observes the cancellation.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-anneal/logger"
)

// startTimeout bounds how long Start waits for a goroutine to come up.
const startTimeout = 5 * time.Second

// ErrStopped is returned when a task is started on a stopped Manager.
var ErrStopped = errors.New("task: manager already stopped")

// Func is a task body. It returns true to keep running, false to stop.
type Func func() bool

// Manager manages a group of goroutines sharing one cancellation scope.
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a Manager whose tasks stop when ctx is done.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the cancellation scope of the current task generation.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// StartInterval runs taskFunc every interval on a new goroutine.
// If runNow is true, the first run happens immediately on that goroutine
// instead of after the first tick.
//
// A run that takes longer than interval delays the next one; runs never
// overlap.
func (mgr *Manager) StartInterval(name string, taskFunc Func, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v", interval)
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	err := mgr.spawn(name, func(ctx context.Context) {
		defer cleanup()

		if runNow && !mgr.callWithRecover(name, taskFunc) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, taskFunc) {
					return
				}
			}
		}
	})
	if err != nil {
		cleanup()
	}

	return err
}

// Stop signals all running tasks to terminate.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until every task has returned, then re-arms the manager so
// new tasks can be started.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) spawn(name string, body func(ctx context.Context)) error {
	ctx := mgr.Context()
	select {
	case <-ctx.Done():
		return ErrStopped
	default:
	}

	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	started := make(chan struct{})
	mgr.wg.Add(1)

	go func() {
		defer mgr.wg.Done()

		mgr.count.Add(1)
		close(started)

		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		body(ctx)
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("task: timeout waiting for %s to start", name)
	}
}

// callWithRecover calls fn with panic protection. A panicking task keeps
// running: the panic is logged and treated as a completed iteration.
func (mgr *Manager) callWithRecover(name string, fn Func) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = true
		}
	}()

	return fn()
}
