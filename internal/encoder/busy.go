package encoder

import (
	"sync"
	"time"
)

// busyCounter tracks output buffers handed to consumers but not yet
// returned to the codec. Teardown waits for it to reach zero.
type busyCounter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func newBusyCounter() *busyCounter {
	b := &busyCounter{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *busyCounter) increment() {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
}

func (b *busyCounter) decrement() {
	b.mu.Lock()
	if b.count > 0 {
		b.count--
	}
	if b.count == 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

func (b *busyCounter) value() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// waitForZero blocks until no buffer is outstanding or timeout elapses.
func (b *busyCounter) waitForZero(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count > 0 {
		if !time.Now().Before(deadline) {
			return errReleaseTimeout
		}
		b.cond.Wait()
	}
	return nil
}
