package transport

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

const poolLogPrefix = "transport:pool"

// WorkerPool is a bounded executor. Execute blocks while every worker is busy.
type WorkerPool struct {
	group *errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a pool running at most size tasks at once. A size
// of zero or less means no limit.
func NewWorkerPool(size int) *WorkerPool {
	g := &errgroup.Group{}
	if size > 0 {
		g.SetLimit(size)
	}
	return &WorkerPool{group: g}
}

// Execute runs task on a worker. After Close the task runs on the calling
// goroutine so that its reply is still written.
func (p *WorkerPool) Execute(task func()) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		runTask(task)
		return
	}
	p.group.Go(func() error {
		runTask(task)
		return nil
	})
	p.mu.RUnlock()
}

// Close stops accepting work and waits for running tasks.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.group.Wait()
}

func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - task panicked: %v\n%s", poolLogPrefix, r, debug.Stack()))
		}
	}()
	task()
}
