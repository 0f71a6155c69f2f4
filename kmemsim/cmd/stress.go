// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/kmem/kmemsim/config"
	"gvisor.dev/kmem/pkg/errors/kernerr"
	"gvisor.dev/kmem/pkg/hostarch"
	"gvisor.dev/kmem/pkg/log"
	"gvisor.dev/kmem/pkg/memblock"
	"gvisor.dev/kmem/pkg/memlayout"
	"gvisor.dev/kmem/pkg/pgalloc"
	"gvisor.dev/kmem/pkg/process"
)

const (
	// stressSpaceBase is the start of the first worker's address space.
	stressSpaceBase = hostarch.Addr(0x10000000)

	// stressSpaceSize is the size of each worker's address space.
	stressSpaceSize = 64 * hostarch.MiB
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	maxPages   uint64
	pool       string
	seed       uint64
	optimized  bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "map and unmap pages from concurrent simulated processes"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags]

Runs one simulated process per worker. Each process maps and unmaps runs of
pages at random from the selected pool, checking its block manager as it
goes. On exit every page must be back in the pool.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent processes.")
	f.IntVar(&s.iterations, "iterations", 1000, "operations per process.")
	f.Uint64Var(&s.maxPages, "max-pages", 16, "largest mapping, in pages.")
	f.StringVar(&s.pool, "pool", memlayout.PoolApplication.String(), "pool pages are allocated from.")
	f.Uint64Var(&s.seed, "seed", 1, "random seed.")
	f.BoolVar(&s.optimized, "optimized", false, "make the first process the optimized process of the pool.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.maxPages == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	pool, err := memlayout.ParsePool(s.pool)
	if err != nil {
		return Errorf("%v", err)
	}

	sys, err := newSystem(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	defer sys.close()
	if sys.pages.Size(pool) == 0 {
		return Errorf("pool %v is empty in this layout", pool)
	}
	freeBefore := sys.pages.FreeSize(pool)

	ctx = pgalloc.WithManager(ctx, sys.pages)
	progress := log.BasicRateLimitedLogger(time.Second)
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			return s.work(ctx, conf, pool, i, progress)
		})
	}
	if err := g.Wait(); err != nil {
		return Errorf("%v", err)
	}

	freeAfter := sys.pages.FreeSize(pool)
	fmt.Printf("%d workers x %d operations in %v\n", s.workers, s.iterations, time.Since(start))
	sys.printUsage()
	if freeAfter != freeBefore {
		return Errorf("pool %v leaked %#x bytes", pool, freeBefore-freeAfter)
	}
	return subcommands.ExitSuccess
}

// mapping is a run of pages mapped by a stress worker.
type mapping struct {
	addr     hostarch.Addr
	numPages uint64
}

// work runs the operations of worker i in its own address space.
func (s *Stress) work(ctx context.Context, conf *config.Config, pool memlayout.Pool, i int, progress log.Logger) error {
	start := stressSpaceBase + hostarch.Addr(i)*stressSpaceSize
	as, err := process.New(ctx, process.Opts{
		PID:          uint64(i + 1),
		Start:        start,
		End:          start + stressSpaceSize,
		Pool:         pool,
		Direction:    pgalloc.Direction(i % 2),
		Fill:         byte(i + 1),
		Optimized:    s.optimized && i == 0,
		SlabCapacity: conf.SlabCapacity,
		Auditing:     conf.Auditing,
	})
	if err != nil {
		return fmt.Errorf("worker %d: %w", i, err)
	}
	defer as.Finalize()

	rng := rand.New(rand.NewPCG(s.seed, uint64(i)))
	var live []mapping
	for n := 0; n < s.iterations; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(live) > 0 && rng.IntN(3) == 0 {
			j := rng.IntN(len(live))
			m := live[j]
			if err := as.UnmapPages(m.addr, m.numPages, memblock.StateNormal); err != nil {
				return fmt.Errorf("worker %d: unmapping %d pages at %#x: %w", i, m.numPages, m.addr, err)
			}
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		numPages := 1 + rng.Uint64N(s.maxPages)
		addr, err := as.MapPages(numPages, memblock.StateNormal, memblock.PermUserReadWrite)
		switch {
		case err == nil:
			live = append(live, mapping{addr, numPages})
		case kernerr.Equals(kernerr.ErrOutOfMemory, err), kernerr.Equals(kernerr.ErrOutOfResource, err):
			progress.Infof("Worker %d: mapping %d pages: %v", i, numPages, err)
		default:
			return fmt.Errorf("worker %d: mapping %d pages: %w", i, numPages, err)
		}
	}
	if !as.CheckState() {
		return fmt.Errorf("worker %d: block manager is inconsistent", i)
	}
	for _, m := range live {
		if err := as.UnmapPages(m.addr, m.numPages, memblock.StateNormal); err != nil {
			return fmt.Errorf("worker %d: unmapping %d pages at %#x: %w", i, m.numPages, m.addr, err)
		}
	}
	log.Debugf("Worker %d: done, %d pages still mapped", i, as.MappedPages())
	return nil
}
