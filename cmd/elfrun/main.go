// Command elfrun executes a 32-bit RISC-V Linux binary under the
// translation core in core/exec and the micro-kernel glue in ukernel:
// `elfrun --fsroot=<dir> --cache=<dir> [--aot] -- <guest argv>`.
// One cli.App with one Action; flags override an optional TOML config
// file in defaults -> file -> flags order (config.Load).
package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/config"
	"github.com/elfrun/elfrun/core/aot"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/decode"
	"github.com/elfrun/elfrun/core/profile"
	"github.com/elfrun/elfrun/core/qir"
	"github.com/elfrun/elfrun/core/stats"
	"github.com/elfrun/elfrun/core/xlate"
	"github.com/elfrun/elfrun/log"
	"github.com/elfrun/elfrun/ukernel"
)

var (
	configFileFlag = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}
	fsrootFlag     = cli.StringFlag{Name: "fsroot", Usage: "directory jailing guest filesystem syscalls"}
	cacheFlag      = cli.StringFlag{Name: "cache", Usage: "directory holding the profile file and AOT object"}
	aotFlag        = cli.BoolFlag{Name: "aot", Usage: "load a compiled .aot.so for this guest ELF if present"}
	zeroBaseFlag   = cli.BoolFlag{Name: "zero-mmu-base", Usage: "map the guest window at host address 0"}
	statsFlag      = cli.BoolFlag{Name: "stats", Usage: "print tcache/arena/AOT counters at exit"}
	debugQIRFlag   = cli.BoolFlag{Name: "debug-qir", Usage: "disassemble the guest entry point's QIR before running"}
)

func main() {
	app := cli.NewApp()
	app.Name = "elfrun"
	app.Usage = "run a 32-bit RISC-V Linux binary under dynamic binary translation"
	app.Flags = []cli.Flag{configFileFlag, fsrootFlag, cacheFlag, aotFlag, zeroBaseFlag, statsFlag, debugQIRFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Crit("elfrun: fatal", "err", err)
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := config.Load(file, &cfg); err != nil {
			return cfg, fmt.Errorf("elfrun: %w", err)
		}
	}
	if v := ctx.GlobalString(fsrootFlag.Name); v != "" {
		cfg.FSRoot = v
	}
	if v := ctx.GlobalString(cacheFlag.Name); v != "" {
		cfg.CacheDir = v
	}
	if ctx.GlobalIsSet(aotFlag.Name) {
		cfg.AOT = ctx.GlobalBool(aotFlag.Name)
	}
	if ctx.GlobalIsSet(zeroBaseFlag.Name) {
		cfg.ZeroMMUBase = ctx.GlobalBool(zeroBaseFlag.Name)
	}
	return cfg, cfg.Validate()
}

// run is elfrun's cli.ActionFunc: load config, boot the guest, run it to
// completion, persist the profile, and propagate the guest's own exit
// code as elfrun's own.
func run(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) < 1 {
		return cli.NewExitError("elfrun: missing guest executable (usage: elfrun [flags] -- <guest> [argv...])", 2)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	guestPath := args[0]
	guestArgv := make([]string, len(args))
	copy(guestArgv, args)

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return cli.NewExitError(fmt.Sprintf("elfrun: cache dir: %v", err), 1)
	}

	task, err := ukernel.NewTask(cfg.FSRoot, cfg.ZeroMMUBase)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	checksum, err := computeChecksum(guestPath)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("elfrun: checksum: %v", err), 1)
	}

	profilePath := cfg.CacheDir + "/" + checksum.String() + ".profile"
	pf, err := openOrCreateProfile(profilePath, checksum)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("elfrun: profile: %v", err), 1)
	}
	defer func() {
		pf.UpdateFromTCache(task.TC)
		if err := pf.Flush(); err != nil {
			log.Warn("elfrun: profile flush failed", "err", err)
		}
		pf.Close()
	}()

	if cfg.AOT {
		soPath := cfg.CacheDir + "/" + checksum.String() + ".aot.so"
		if obj, err := aot.Load(soPath); err != nil {
			if !errors.Is(err, coreerr.ErrAotLoadFailure) {
				return cli.NewExitError(err.Error(), 1)
			}
			log.Warn("elfrun: aot load failed, continuing JIT-only", "err", err)
		} else {
			obj.InsertAll(task.TC)
			log.Info("elfrun: aot object loaded", "path", soPath, "build", aot.ReadBuildID(soPath))
		}
	}

	if err := task.Boot(guestPath, guestArgv); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	if ctx.GlobalBool(debugQIRFlag.Name) {
		dumpEntryQIR(task)
	}

	code := task.Run()

	if ctx.GlobalBool(statsFlag.Name) {
		task.TC.SampleArenaUsage()
		fmt.Println(stats.Global.Snapshot())
	}

	if code != 0 {
		// Returned (not os.Exit'd directly) so the deferred profile
		// flush above still runs before urfave/cli's own ExitCoder
		// handling calls os.Exit with the guest's own exit code.
		return cli.NewExitError("", code)
	}
	return nil
}

// dumpEntryQIR is --debug-qir's handler: translate the guest's entry
// point into QIR and print it before execution begins. Reduced to the
// pre-QSel form since this is a quick startup diagnostic, not a
// stage-by-stage compiler trace.
func dumpEntryQIR(task *ukernel.Task) {
	read := decode.Reader(func(ip common.GAddr) uint32 {
		return *(*uint32)(task.AS.G2H(ip))
	})
	boundary := task.State.PC + common.PageSize
	result := xlate.Translate(task.State.PC, boundary, read)
	log.Info("elfrun: entry point QIR", "ip", task.State.PC)
	fmt.Print(qir.Disassemble(result.Region))
}

func computeChecksum(path string) (profile.Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return profile.Checksum{}, err
	}
	defer f.Close()
	return profile.ChecksumFile(f)
}

// openOrCreateProfile falls back to an empty, freshly created profile
// rather than treating a stale or absent file as fatal: on
// coreerr.ErrProfileMismatch the stale file is not loaded; profile.Create
// truncates it to a fresh, empty profile that this run records into.
func openOrCreateProfile(path string, checksum profile.Checksum) (*profile.File, error) {
	if _, err := os.Stat(path); err == nil {
		pf, err := profile.Open(path, checksum)
		if err == nil {
			return pf, nil
		}
		if !errors.Is(err, coreerr.ErrProfileMismatch) {
			return nil, err
		}
		log.Warn("elfrun: profile checksum mismatch, starting empty", "path", path)
	}
	return profile.Create(path, checksum)
}
