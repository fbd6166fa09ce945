package aot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/decode"
	"github.com/elfrun/elfrun/core/emit"
	"github.com/elfrun/elfrun/core/modgraph"
	"github.com/elfrun/elfrun/core/profile"
	"github.com/elfrun/elfrun/core/qsel"
	"github.com/elfrun/elfrun/core/ra"
	"github.com/elfrun/elfrun/core/stats"
	"github.com/elfrun/elfrun/core/xlate"
	"github.com/elfrun/elfrun/log"
)

var logger = log.New("pkg", "aot")

// Options configures one Compile run.
type Options struct {
	// ZeroMMUBase matches core/exec's same-named flag: whether vmload/
	// vmstore address guest memory directly or through ra.MembaseReg.
	ZeroMMUBase bool
	// Cache persists compiled entries across elfaot invocations, keyed by
	// (checksum, entry ip); nil disables caching.
	Cache *Cache
	// Concurrency bounds how many regions compile at once. 0 (or a
	// negative value) means a fixed default of 8 (errgroup.SetLimit is
	// not used; callers size this from their own CLI flag).
	Concurrency int
}

// Compile walks every page prof has recorded:
// build the module graph, partition it into regions, and compile each
// region's entry node. read supplies instruction words from the guest
// ELF's loaded image, ordinarily an arena.AddrSpace.G2H-backed reader set
// up the same way core/exec's live reader is, but over a scratch mapping
// populated by the ukernel ELF loader rather than a running guest, since
// Compile never executes anything.
//
// Independent region
// compiles run concurrently via errgroup; progress logging is throttled with x/time/rate so a
// profile with thousands of regions does not flood the log with one line
// per region.
func Compile(prof *profile.File, read decode.Reader, checksum profile.Checksum, opts Options) (*Module, error) {
	pages := prof.Pages()

	type job struct {
		pageBase common.GAddr
		node     nodeJob
	}

	var jobs []job
	for _, pr := range pages {
		pageBase := common.GAddr(pr.PageNo) * common.PageSize
		g := modgraph.Build(pageBase, pr.Entries, pr.SegmentEntries, pr.BrindTargets, read)
		g.ComputeDominators()
		for _, region := range g.ComputeRegions() {
			if len(region.Nodes) == 0 {
				continue
			}
			entry := region.Nodes[0]
			jobs = append(jobs, job{pageBase: pageBase, node: nodeJob{ip: entry.IP, ipEnd: entry.IPEnd}})
		}
	}

	logger.Info("aot: compiling", "pages", len(pages), "regions", len(jobs))

	results := make([]Entry, len(jobs))

	limiter := rate.NewLimiter(rate.Every(2*time.Second), 1)
	var compiled int32

	grp, _ := errgroup.WithContext(context.Background())
	limit := opts.Concurrency
	sem := make(chan struct{}, clampConcurrency(limit))

	for i, j := range jobs {
		i, j := i, j
		grp.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			if opts.Cache != nil {
				if code, slots, ok := opts.Cache.Get(checksum, j.node.ip); ok {
					results[i] = Entry{GIP: j.node.ip, Code: code, BranchSlots: slots}
					logProgress(limiter, &compiled, len(jobs))
					return nil
				}
			}

			e, err := compileEntry(j.node.ip, j.node.ipEnd, read, opts.ZeroMMUBase)
			if err != nil {
				return err
			}
			results[i] = e
			if opts.Cache != nil {
				opts.Cache.Put(checksum, j.node.ip, e.Code, e.BranchSlots)
			}
			logProgress(limiter, &compiled, len(jobs))
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}

	return &Module{Checksum: [16]byte(checksum), Entries: results, BuildID: uuid.New()}, nil
}

type nodeJob struct {
	ip, ipEnd common.GAddr
}

func clampConcurrency(n int) int {
	if n <= 0 {
		return 8
	}
	return n
}

func logProgress(limiter *rate.Limiter, compiled *int32, total int) {
	*compiled++
	if limiter.Allow() {
		logger.Info("aot: progress", "compiled", *compiled, "total", total)
	}
}

// compileEntry runs one region entry through the same xlate -> qsel -> ra
// -> emit pipeline core/exec.Compile uses for the JIT.
func compileEntry(ip, boundary common.GAddr, read decode.Reader, zeroMMUBase bool) (Entry, error) {
	result := xlate.Translate(ip, boundary, read)
	qsel.Run(result.Region)
	ra.Allocate(result.Region, result.LiveIn, result.LiveOut)
	enc := emit.Encode(result.Region, zeroMMUBase)
	stats.Global.IncRegionsCompiled()

	slots := make([]BranchSlotSite, len(enc.BranchSlots))
	for i, s := range enc.BranchSlots {
		slots[i] = BranchSlotSite{Offset: s.Offset, GIP: s.GIP}
	}
	return Entry{GIP: ip, Code: enc.Code, BranchSlots: slots}, nil
}
