package exec

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/elfrun/elfrun/core/runtime"
)

// watchMemoryFaults arranges for a SIGSEGV/SIGBUS raised by translated
// code to terminate the process with a guest-state dump instead of the Go
// runtime's own fatal crash report.
//
// Relies on Go's forwarding of synchronous SIGSEGV/SIGBUS that
// occur in non-Go code: the Go runtime's own signal handler
// (runtime/signal_unix.go) only forwards a synchronous fault to a
// signal.Notify channel when the faulting PC belongs to no Go function,
// exactly true of the RWX bytes core/tcache's code arena hands to
// translated regions, since they carry no Go symbol information. A fault
// inside ordinary Go code (a genuine bug in this package) is instead
// handled by the Go runtime itself and never reaches here, which is the
// intended split: host-side bugs still crash with a Go stack trace,
// guest-side faults get this handler.
//
// Telling a guest-window fault and a
// host-side fault apart would need the OS-reported fault address
// (siginfo_t's si_addr), which os/signal does not expose. Since both kinds are fatal
// with identical observable behavior (log and exit), this handler reports
// the fault generically rather than guessing a kind from information it
// does not have.
func watchMemoryFaults() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGSEGV, syscall.SIGBUS)
	go func() {
		sig := <-ch
		reportFatalFault(sig)
	}()
}

func reportFatalFault(sig os.Signal) {
	state := runtime.Current()
	if state == nil {
		logger.Error("fatal memory fault before guest state was installed", "signal", sig)
		os.Exit(2)
	}
	logger.Error("fatal memory fault in translated code",
		"signal", sig, "ip", state.PC, "gpr", state.GPR)
	os.Exit(2)
}

func init() {
	watchMemoryFaults()
}
