package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const poolTestPrefix = "transport:pool_test"

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)

	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.Execute(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	pool.Close()

	if peak.Load() > 2 {
		t.Errorf("%s - peak concurrency = %d, want <= 2", poolTestPrefix, peak.Load())
	}
}

func TestWorkerPool_CloseWaitsAndRunsLateTasksInline(t *testing.T) {
	pool := NewWorkerPool(4)

	var done atomic.Bool
	pool.Execute(func() {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	})
	pool.Close()
	if !done.Load() {
		t.Fatalf("%s - Close must wait for running tasks", poolTestPrefix)
	}

	ran := false
	pool.Execute(func() { ran = true })
	if !ran {
		t.Errorf("%s - tasks after Close must run on the caller", poolTestPrefix)
	}
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(0)

	var after atomic.Bool
	pool.Execute(func() { panic("target exploded") })
	pool.Execute(func() { after.Store(true) })
	pool.Close()

	if !after.Load() {
		t.Errorf("%s - pool must keep running after a panic", poolTestPrefix)
	}
}
