package scheduler

import (
	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/toolchain"
)

// State of a job.
//
//	Pending → Compiling → {Failed | LinkPending} → {Finalized | Failed}
type State int

const (
	Pending State = iota
	Compiling
	LinkPending
	Finalized
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Compiling:
		return "compiling"
	case LinkPending:
		return "link-pending"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition happens.
func (s State) Terminal() bool {
	return s == Finalized || s == Failed
}

// Job is one unit to compile and link under Key.
type Job struct {
	Key      string
	Sources  []toolchain.Source
	Flags    []string
	Package  string          // Go package path, go toolchain only
	Resolver linker.Resolver // consulted before the linker default resolver
}

func (j Job) unit() toolchain.Unit {
	return toolchain.Unit{Key: j.Key, Sources: j.Sources, Flags: j.Flags, Package: j.Package}
}

// Completion is the terminal notification of a job.
type Completion struct {
	Job
	Seq      uint64 // submission sequence number
	State    State
	Module   *linker.Module // finalized module, nil on failure
	Warnings []toolchain.Diagnostic
	Err      error
}

// Failed reports whether the job failed.
func (c Completion) Failed() bool {
	return c.State == Failed
}
