// Command allocstress drives the hardened allocator concurrently: a pool of
// worker goroutines, each pinned to its own OS thread, hammer
// malloc/free across a mix of small-object and large-object sizes
// until interrupted, then report basic throughput stats.
package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/nmxmxh/hardguard/kernel/alloc/geometry"
	"github.com/nmxmxh/hardguard/kernel/alloc/lifecycle"
	"github.com/nmxmxh/hardguard/kernel/alloc/obslog"
	"github.com/nmxmxh/hardguard/malloc"
)

func main() {
	workers := flag.Int("workers", runtime.NumCPU(), "number of concurrent allocating goroutines")
	duration := flag.Duration("duration", 5*time.Second, "how long to run before shutting down")
	maxLive := flag.Int("max-live", 256, "number of live allocations each worker juggles at once")
	flag.Parse()

	logger := obslog.Default("allocstress")

	cfg := geometry.Default()
	if err := malloc.Init(cfg); err != nil {
		logger.Error("allocator init failed", obslog.Err(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	shutdown := lifecycle.New(10*time.Second, logger.With("shutdown"))

	var (
		totalAllocs uint64
		totalFrees  uint64
		totalErrors uint64
	)

	var wg sync.WaitGroup
	wg.Add(*workers)
	for w := 0; w < *workers; w++ {
		go func(workerID int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			slot, err := malloc.Register()
			if err != nil {
				logger.Error("worker registration failed", obslog.Int("worker", workerID), obslog.Err(err))
				atomic.AddUint64(&totalErrors, 1)
				return
			}
			defer malloc.Unregister(slot)

			live := make([]unsafe.Pointer, 0, *maxLive)
			for {
				select {
				case <-runCtx.Done():
					for _, p := range live {
						malloc.Free(p)
						atomic.AddUint64(&totalFrees, 1)
					}
					return
				default:
				}

				if len(live) >= *maxLive || (len(live) > 0 && rand.IntN(2) == 0) {
					idx := rand.IntN(len(live))
					malloc.Free(live[idx])
					live[idx] = live[len(live)-1]
					live = live[:len(live)-1]
					atomic.AddUint64(&totalFrees, 1)
					continue
				}

				size := pickSize()
				p, err := malloc.Malloc(size)
				if err != nil {
					atomic.AddUint64(&totalErrors, 1)
					continue
				}
				live = append(live, p)
				atomic.AddUint64(&totalAllocs, 1)
			}
		}(w)
	}

	shutdown.Register(func() error {
		wg.Wait()
		return nil
	})

	<-runCtx.Done()
	logger.Info("duration elapsed, draining workers",
		obslog.Uint64("allocs", atomic.LoadUint64(&totalAllocs)),
		obslog.Uint64("frees", atomic.LoadUint64(&totalFrees)))

	if err := shutdown.Run(context.Background()); err != nil {
		logger.Error("shutdown did not complete cleanly", obslog.Err(err))
		os.Exit(1)
	}

	logger.Info("allocstress finished",
		obslog.Uint64("allocs", atomic.LoadUint64(&totalAllocs)),
		obslog.Uint64("frees", atomic.LoadUint64(&totalFrees)),
		obslog.Uint64("errors", atomic.LoadUint64(&totalErrors)))
}

// pickSize returns a request size drawn across the small-object classes and
// occasionally into the large-object range, to exercise both engines.
func pickSize() uintptr {
	if rand.IntN(20) == 0 {
		return uintptr(1<<19) + uintptr(rand.IntN(1<<16))
	}
	classes := [...]uintptr{1, 16, 24, 33, 100, 512, 4000, 65000}
	return classes[rand.IntN(len(classes))]
}
