// Command elfaot runs the ahead-of-time compile step against a guest
// ELF's recorded profile. For every page the profile marks
// executed, it builds the module graph, partitions it into regions
// (core/modgraph), compiles each region's entry (core/aot.Compile), and
// writes the resulting object plus its build-id sidecar into the cache
// directory next to the profile file elfrun itself maintains.
//
// A single flat command (no subcommands): elfaot's whole job is this
// one compile step.
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/config"
	"github.com/elfrun/elfrun/core/aot"
	"github.com/elfrun/elfrun/core/arena"
	"github.com/elfrun/elfrun/core/decode"
	"github.com/elfrun/elfrun/core/modgraph"
	"github.com/elfrun/elfrun/core/profile"
	"github.com/elfrun/elfrun/log"
	"github.com/elfrun/elfrun/ukernel"
)

var (
	cacheFlag       = cli.StringFlag{Name: "cache", Usage: "directory holding the profile file and AOT object"}
	elfFlag         = cli.StringFlag{Name: "elf", Usage: "path to the guest ELF the profile was recorded against"}
	zeroBaseFlag    = cli.BoolFlag{Name: "zero-mmu-base", Usage: "compile for a zero-based guest window"}
	concurrencyFlag = cli.IntFlag{Name: "jobs", Usage: "number of regions to compile concurrently (0 = default)"}
	dumpGraphFlag   = cli.BoolFlag{Name: "dump-graph", Usage: "print each page's module graph and region partition before compiling"}
)

func main() {
	app := cli.NewApp()
	app.Name = "elfaot"
	app.Usage = "ahead-of-time compile a guest ELF's recorded profile"
	app.Flags = []cli.Flag{cacheFlag, elfFlag, zeroBaseFlag, concurrencyFlag, dumpGraphFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Crit("elfaot: fatal", "err", err)
	}
}

func run(ctx *cli.Context) error {
	elfPath := ctx.String(elfFlag.Name)
	cacheDir := ctx.String(cacheFlag.Name)
	if elfPath == "" || cacheDir == "" {
		return cli.NewExitError("elfaot: --elf and --cache are both required", 2)
	}
	cfg := config.Config{FSRoot: ".", CacheDir: cacheDir, ZeroMMUBase: ctx.Bool(zeroBaseFlag.Name), Concurrency: ctx.Int(concurrencyFlag.Name)}

	checksum, err := computeChecksum(elfPath)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("elfaot: checksum: %v", err), 1)
	}

	profilePath := cacheDir + "/" + checksum.String() + ".profile"
	pf, err := profile.Open(profilePath, checksum)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("elfaot: open profile %s: %v (run elfrun first to record one)", profilePath, err), 1)
	}
	defer pf.Close()

	as, err := arena.Reserve(cfg.ZeroMMUBase)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer as.Close()

	if _, _, err := ukernel.LoadElf(elfPath, as); err != nil {
		return cli.NewExitError(fmt.Sprintf("elfaot: load elf: %v", err), 1)
	}

	if ctx.Bool(dumpGraphFlag.Name) {
		dumpGraphs(pf, makeReader(as))
	}

	cacheDBPath := cacheDir + "/" + checksum.String() + ".regioncache"
	regionCache, err := aot.OpenCache(cacheDBPath)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("elfaot: open region cache: %v", err), 1)
	}
	defer regionCache.Close()

	mod, err := aot.Compile(pf, makeReader(as), checksum, aot.Options{
		ZeroMMUBase: cfg.ZeroMMUBase,
		Cache:       regionCache,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("elfaot: compile: %v", err), 1)
	}

	obj := aot.Build(mod)
	soPath := cacheDir + "/" + checksum.String() + ".aot.so"
	if err := os.WriteFile(soPath, obj, 0o644); err != nil {
		return cli.NewExitError(fmt.Sprintf("elfaot: write %s: %v", soPath, err), 1)
	}
	if err := aot.WriteBuildID(soPath, mod.BuildID); err != nil {
		return cli.NewExitError(fmt.Sprintf("elfaot: write build id: %v", err), 1)
	}

	log.Info("elfaot: wrote object", "path", soPath, "entries", len(mod.Entries), "build", mod.BuildID)
	return nil
}

// dumpGraphs rebuilds every
// recorded page's module graph and region partition the same way
// core/aot.Compile does internally, and print both via core/modgraph.Dump/
// DumpRegions before the real compile runs. A standalone pass rather than
// Compile plumbing a debug flag through, since the graph this prints is
// thrown away immediately after (Compile rebuilds its own).
func dumpGraphs(pf *profile.File, read decode.Reader) {
	for _, pr := range pf.Pages() {
		pageBase := common.GAddr(pr.PageNo) * common.PageSize
		g := modgraph.Build(pageBase, pr.Entries, pr.SegmentEntries, pr.BrindTargets, read)
		g.ComputeDominators()
		fmt.Printf("page %s:\n%s", pageBase, g.Dump())
		fmt.Print(modgraph.DumpRegions(g.ComputeRegions()))
	}
}

// makeReader adapts a scratch address space (the guest ELF's segments
// mapped but never executed) into the decode.Reader core/aot.Compile and
// core/modgraph.Build need to walk instruction bytes, the same G2H-backed
// closure core/exec's own live reader wraps around a running guest.
func makeReader(as *arena.AddrSpace) decode.Reader {
	return func(ip common.GAddr) uint32 {
		return *(*uint32)(as.G2H(ip))
	}
}

func computeChecksum(path string) (profile.Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return profile.Checksum{}, err
	}
	defer f.Close()
	return profile.ChecksumFile(f)
}
