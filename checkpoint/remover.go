package checkpoint

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/epbucket/core"
	"github.com/shirou/gopsutil/v3/process"
)

// ManagerSource exposes the live checkpoint managers of a bucket to the
// remover.
type ManagerSource interface {
	CheckpointManagers() []*Manager
}

// RemoverOptions configures the memory-pressure reclamation task.
type RemoverOptions struct {
	// Quota is the checkpoint memory budget across all vBuckets.
	Quota int64

	// UpperMark/LowerMark are fractions of Quota: reclamation starts above
	// Upper and recovers down to Lower.
	UpperMark float64
	LowerMark float64

	Interval time.Duration

	// EagerRemoval mirrors the manager setting: when managers remove
	// checkpoints eagerly the periodic scan skips the removal stage.
	EagerRemoval bool

	// ProcessRSSQuota, when non-zero, additionally triggers reclamation if
	// the process resident set exceeds it.
	ProcessRSSQuota int64

	Logger *slog.Logger
	Clock  core.Clock
}

// Remover is the memory-pressure-driven reclamation loop. On each pass it
// stages, in order: closed-checkpoint removal across vBuckets by descending
// checkpoint memory, then item expelling, then slow-cursor dropping,
// stopping as soon as enough memory has been recovered.
type Remover struct {
	src  ManagerSource
	opts RemoverOptions

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *slog.Logger

	proc *process.Process
}

// NewRemover builds the remover for the given manager source.
func NewRemover(src ManagerSource, opts RemoverOptions) *Remover {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UpperMark == 0 {
		opts.UpperMark = 0.9
	}
	if opts.LowerMark == 0 {
		opts.LowerMark = 0.6
	}
	if opts.Interval == 0 {
		opts.Interval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock()
	}
	r := &Remover{
		src:    src,
		opts:   opts,
		stop:   make(chan struct{}),
		logger: opts.Logger.With("component", "CheckpointRemover"),
	}
	if opts.ProcessRSSQuota > 0 {
		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			r.proc = p
		} else {
			r.logger.Warn("process RSS probe unavailable", "error", err)
		}
	}
	return r
}

// Start launches the periodic reclamation task.
func (r *Remover) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop terminates the task.
func (r *Remover) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

func (r *Remover) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.RunOnce()
		case <-r.stop:
			return
		}
	}
}

// MemToClear computes how much checkpoint memory must be recovered right
// now; zero when below the upper watermark.
func (r *Remover) MemToClear() int64 {
	usage := r.totalCheckpointMem()
	upper := int64(float64(r.opts.Quota) * r.opts.UpperMark)
	lower := int64(float64(r.opts.Quota) * r.opts.LowerMark)
	if usage > upper {
		return usage - lower
	}
	if r.proc != nil {
		if mi, err := r.proc.MemoryInfo(); err == nil && int64(mi.RSS) > r.opts.ProcessRSSQuota {
			// Under global pressure, recover down to the lower watermark
			// even though checkpoint memory alone is within budget.
			if usage > lower {
				return usage - lower
			}
		}
	}
	return 0
}

func (r *Remover) totalCheckpointMem() int64 {
	var total int64
	for _, m := range r.src.CheckpointManagers() {
		total += m.MemUsage()
	}
	return total
}

// RunOnce performs one staged reclamation pass and returns the memory
// recovered.
func (r *Remover) RunOnce() int64 {
	memToClear := r.MemToClear()
	if memToClear == 0 {
		return 0
	}
	var recovered int64

	byMem := r.managersByDescendingMem()

	// Stage 1: remove closed unreferenced checkpoints. With eager removal
	// configured there should be nothing to find here.
	if !r.opts.EagerRemoval {
		for _, m := range byMem {
			if recovered >= memToClear {
				break
			}
			recovered += m.RemoveClosedUnrefCheckpoints().Memory
		}
		if recovered >= memToClear {
			r.logger.Debug("recovered by checkpoint removal", "memory", recovered)
			return recovered
		}
	}

	// Stage 2: expel items below all cursors. Tried before cursor dropping
	// so streams are not kicked back to backfill if expelling suffices.
	for _, m := range byMem {
		if recovered >= memToClear {
			break
		}
		recovered += m.ExpelUnreferencedCheckpointItems().Memory
	}
	if recovered >= memToClear {
		r.logger.Debug("recovered by item expel", "memory", recovered)
		return recovered
	}

	// Stage 3: drop slow cursors and re-attempt removal.
	for _, m := range byMem {
		if recovered >= memToClear {
			break
		}
		if _, ok := m.DropSlowestCursor(); ok {
			recovered += m.RemoveClosedUnrefCheckpoints().Memory
		}
	}
	r.logger.Info("checkpoint memory reclamation pass",
		"wanted", memToClear, "recovered", recovered)
	return recovered
}

func (r *Remover) managersByDescendingMem() []*Manager {
	managers := r.src.CheckpointManagers()
	sort.Slice(managers, func(i, j int) bool {
		return managers[i].MemUsage() > managers[j].MemUsage()
	})
	return managers
}
