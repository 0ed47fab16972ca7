package tier

import (
	"log"
	"math"
	"sync"
)

// workers computes the number of concurrent workers for count candidate
// objects. It is a bounded logistic curve: worker count grows smoothly from
// 1 toward MaxWorkers as the object count grows past the midpoint, instead
// of jumping at arbitrary thresholds. The midpoint sits at 1024 objects and
// the growth rate is tuned so that, with the default ceiling of 16, the
// first step from 1 to 2 workers happens around 50 objects.
//
// The result is always at least 1 and at most count; a count of 0 computes
// 0 workers.
func (h *Handler) workers(count int) int {
	if count == 0 {
		return 0
	}

	x0 := 1024.0               // midpoint
	l := float64(h.MaxWorkers) // ceiling
	k := math.Exp2(-8.5)       // growth rate

	curve := l / (1.0 + math.Exp(-k*(float64(count)-x0)))
	r := int(math.Ceil(curve))

	if r < 1 {
		r = 1
	}
	if r > count {
		r = count
	}
	return r
}

// chunkSize is the per-worker chunk length for size objects split across
// count workers.
func chunkSize(size, count int) int {
	return int(math.Ceil(float64(size) / float64(count)))
}

// runChunks partitions objects into contiguous chunks, one per computed
// worker, and calls f for every object. Each worker runs its chunk
// sequentially, in list order, on its own duplicated handler; there is no
// ordering across workers. runChunks waits for every worker before
// returning. The first error any worker hits stops that worker and is
// returned; the other workers still run to completion.
func (h *Handler) runChunks(objects []Object, f func(*Handler, Object) error) error {
	n := h.workers(len(objects))
	if n == 0 {
		return nil
	}
	size := chunkSize(len(objects), n)
	log.Printf("S3 fan-out: %d objects across %d workers (chunks of %d)", len(objects), n, size)

	var wg sync.WaitGroup
	errc := make(chan error, n)
	for start := 0; start < len(objects); start += size {
		end := start + size
		if end > len(objects) {
			end = len(objects)
		}
		chunk := objects[start:end]
		worker := h.dup()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, o := range chunk {
				if err := f(worker, o); err != nil {
					errc <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errc)
	return <-errc
}
