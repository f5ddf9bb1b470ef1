package vm

import (
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

// Trace counters. Cheap enough to keep on unconditionally; the
// verbose op dump goes through the commonlog backend and is gated by
// its verbosity.
type Trace struct {
	NumRetains  uint64
	NumReleases uint64
	NumGCRuns   uint64
}

// SetVerbose raises the log backend verbosity so per-instruction and
// per-refcount events become visible.
func (vm *VM) SetVerbose(on bool) {
	vm.verbose = on
	vm.traceRC = on
	if on {
		commonlog.Configure(2, nil)
	} else {
		commonlog.Configure(0, nil)
	}
}

// Verbose reports the current verbose-trace toggle.
func (vm *VM) Verbose() bool { return vm.verbose }

// Build introspection strings, set at release time via -ldflags.
var (
	version = "0.4.0-dev"
	build   = "dev"
	commit  = "unknown"
)

// Version returns the runtime version.
func Version() string { return version }

// Build returns the build tag.
func Build() string { return build }

// Commit returns the VCS commit the runtime was built from.
func Commit() string { return commit }

// FullVersion returns the combined introspection string.
func FullVersion() string {
	return version + "-" + build + "-" + commit
}
