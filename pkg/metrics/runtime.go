package metrics

import (
	"context"
	"runtime"
	"time"
)

// CollectRuntime samples Go runtime stats into prefix_* gauges every
// interval until ctx is done.
func (r *Registry) CollectRuntime(ctx context.Context, prefix string, interval time.Duration) {
	goroutines := r.Gauge(prefix+"_goroutines", "Number of goroutines")
	heap := r.Gauge(prefix+"_heap_alloc_bytes", "Bytes of allocated heap objects")
	gcs := r.Gauge(prefix+"_gc_cycles", "Completed GC cycles")
	started := r.Gauge(prefix+"_start_time_seconds", "Process start time (unix seconds)")
	started.SetTime(time.Now())

	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		goroutines.Set(float64(runtime.NumGoroutine()))
		heap.Set(float64(ms.HeapAlloc))
		gcs.Set(float64(ms.NumGC))
	}
	sample()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sample()
			}
		}
	}()
}
