package resource

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerLimit(t *testing.T) {
	c := NewController(Config{MaxWorkers: 2})

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.AcquireWorker(context.Background()); err != nil {
				t.Errorf("AcquireWorker: %v", err)
				return
			}
			defer c.ReleaseWorker()

			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak.Load())
	}
}

func TestMemoryTracking(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 1024})

	if err := c.AcquireMemory(context.Background(), 512); err != nil {
		t.Fatalf("AcquireMemory: %v", err)
	}
	if got := c.MemoryUsage(); got != 512 {
		t.Errorf("MemoryUsage = %d, want 512", got)
	}

	// Over-limit acquisition must block until released.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.AcquireMemory(ctx, 1024); err == nil {
		t.Error("over-limit acquire must fail under a deadline")
	}

	c.ReleaseMemory(512)
	if got := c.MemoryUsage(); got != 0 {
		t.Errorf("MemoryUsage after release = %d, want 0", got)
	}
}

func TestNilControllerIsUnlimited(t *testing.T) {
	var c *Controller

	if err := c.AcquireWorker(context.Background()); err != nil {
		t.Errorf("nil AcquireWorker: %v", err)
	}
	c.ReleaseWorker()
	if err := c.AcquireMemory(context.Background(), 1<<40); err != nil {
		t.Errorf("nil AcquireMemory: %v", err)
	}
	c.ReleaseMemory(1 << 40)
	if err := c.WaitIO(context.Background(), 1<<30); err != nil {
		t.Errorf("nil WaitIO: %v", err)
	}
}

func TestRateLimitedWriter(t *testing.T) {
	// Generous limit: the write must pass through unchanged.
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)
	n, err := w.Write([]byte("throttled"))
	if err != nil || n != 9 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if buf.String() != "throttled" {
		t.Errorf("buffer = %q", buf.String())
	}
}
