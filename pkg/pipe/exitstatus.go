package pipe

import (
	"errors"
	"os/exec"
	"syscall"
)

// ExitStatus captures how a bridge child process ended, enough to classify it
// into one of the close reasons of spec.md §4.B.
type ExitStatus struct {
	Exited   bool
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// ClassifyExit maps a process's termination into a session close reason
// (spec.md §4.B's exit-code/signal table).
func ClassifyExit(st ExitStatus) string {
	if st.Signaled {
		if st.Signal == syscall.SIGTERM {
			return "terminated"
		}
		return "internal-error"
	}
	switch st.Code {
	case 0:
		return ""
	case 5:
		return "not-authorized"
	case 6:
		return "unknown-hostkey"
	case 127:
		return "no-cockpit"
	case 255:
		return "terminated"
	default:
		return "internal-error"
	}
}

// ClassifySpawnError turns a failure to even start the bridge program into a
// close reason. An executable that genuinely does not exist maps to
// "no-cockpit" rather than the generic "internal-error" (spec.md §4.B: a
// pipe-level "not-found" is relabeled "no-cockpit"); a permission failure
// maps to "not-authorized" (spec.md §4.A: "Spawn failures map: … permission
// → \"not-authorized\"").
func ClassifySpawnError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "no-cockpit"
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return "not-authorized"
	}
	var pathErr interface{ Unwrap() error }
	if errors.As(err, &pathErr) {
		return ClassifySpawnError(pathErr.Unwrap())
	}
	return "internal-error"
}
