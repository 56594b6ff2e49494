// Package dispatch fans estimation work out over data partitions and merges
// the partial results. Failure is deliberately coarse: if any partition
// fails, the whole job fails and nothing is merged — partial merges of a
// statistical accumulator are worse than re-running the job.
package dispatch

import (
	"context"
	"sync"

	"github.com/spokenlab/amtrain/errors"
	"github.com/spokenlab/amtrain/workerpool"
)

// Mode selects how partitions execute.
type Mode int

// Dispatch modes.
const (
	// Local runs partitions as concurrent local workers, at most
	// Parallelism at a time.
	Local Mode = iota
	// Distributed launches every partition at once; each partition's
	// engine invocations are submitted to the cluster scheduler, which
	// enforces its own quota.
	Distributed
)

// Partition is one contiguous slice of the job's data list.
type Partition struct {
	Index int
	Items []string
}

// Stats carries commutatively-mergeable accumulator statistics.
type Stats struct {
	Frames       int64
	TotalLogProb float64
	AccumFiles   []string
}

// LikPerFrame is the average log likelihood per frame over the merged data.
func (s Stats) LikPerFrame() float64 {
	if s.Frames == 0 {
		return 0
	}
	return s.TotalLogProb / float64(s.Frames)
}

// PartResult is one partition's contribution: statistics for
// accumulator-bearing tasks, produced files for artifact-bearing ones.
type PartResult struct {
	Index int
	Stats Stats
	Files []string
}

// Runner executes the work for one partition.
type Runner func(ctx context.Context, p Partition) (PartResult, error)

// Dispatcher runs partitioned jobs.
type Dispatcher struct {
	Mode        Mode
	Parallelism int
}

// Split slices items into n contiguous partitions whose sizes differ by at
// most one; the remainder spreads over the leading partitions. When there
// are fewer items than requested partitions, only non-empty partitions are
// returned.
func Split(items []string, n int) []Partition {
	if n < 1 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}
	if n == 0 {
		return nil
	}

	parts := make([]Partition, 0, n)
	base := len(items) / n
	rem := len(items) % n
	pos := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		parts = append(parts, Partition{Index: i, Items: items[pos : pos+size]})
		pos += size
	}
	return parts
}

// Run splits items and executes run once per partition. Results come back
// indexed by partition. Any partition error fails the whole job: no results
// are returned and the caller must re-run.
func (d Dispatcher) Run(ctx context.Context, items []string, run Runner) ([]PartResult, error) {
	parts := Split(items, d.Parallelism)
	if len(parts) == 0 {
		return nil, errors.Errorf("dispatch: empty data list")
	}

	results := make([]PartResult, len(parts))

	switch d.Mode {
	case Local:
		pool := workerpool.New(d.Parallelism)
		jobs := make([]workerpool.Job, 0, len(parts))
		for i, p := range parts {
			i, p := i, p
			jobs = append(jobs, func() error {
				res, err := run(ctx, p)
				if err != nil {
					return errors.Wrapf(err, "partition %d", p.Index)
				}
				res.Index = p.Index
				results[i] = res
				return nil
			})
		}
		pool.Add(jobs)
		if err := pool.Wait(); err != nil {
			pool.Stop()
			return nil, err
		}
		pool.Stop()

	case Distributed:
		// every partition is an independent cluster job; the scheduler
		// bounds how many actually run
		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for i, p := range parts {
			i, p := i, p
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := run(ctx, p)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = errors.Wrapf(err, "partition %d", p.Index)
					}
					return
				}
				res.Index = p.Index
				results[i] = res
			}()
		}
		wg.Wait()
		if firstErr != nil {
			return nil, firstErr
		}

	default:
		return nil, errors.Errorf("dispatch: unknown mode %d", d.Mode)
	}

	return results, nil
}
