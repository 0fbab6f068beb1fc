package log

// Package log provides a very small opinionated wrapper around Go's standard
// library logging facilities. Its goal is to offer a consistent way to emit
// logs per component (session, transport, listener, pipe, ...) while keeping
// migration friction low.
//
// Key Features
//
//   - Per component logger via ForService(name)
//   - Automatic prefix in every line: `[name>]`  (example: `[session>] bridge started`)
//   - Convenience level helpers: Infof, Warnf, Errorf, Debugf
//   - Debug logging can be enabled globally (SetGlobalDebug) or per component
//     (EnableDebugFor / DisableDebugFor)
//   - Warn/Error/Debug tags are colorized via charmbracelet/lipgloss when the
//     destination terminal supports it
//   - Uses the standard library *log.Logger* under the hood
//   - Central output writer (SetOutput) that updates existing loggers
//
// Non-Goals (for now)
//
//   - Full-featured leveled logging framework
//   - Structured / JSON logging
//   - Log sampling, rotation, or asynchronous buffering
//
// Basic Usage
//
//	import (
//		"github.com/cockpit-ws/cockpitwsd/pkg/log"
//	)
//
//	func main() {
//		log.SetGlobalDebug(true)
//
//		sess := log.ForService("session")
//		sess.Infof("bridge started for %s", user)
//		sess.Warnf("write queue draining slowly")
//		sess.Debugf("frame: %q", payload)
//	}
//
// Selective Debug
//
//	log.EnableDebugFor("session")
//	log.ForService("session").Debugf("visible")
//	log.ForService("webserver").Debugf("NOT visible")
//
// Output Routing
//
//	f, _ := os.Create("cockpitwsd.log")
//	log.SetOutput(f)
//
// Thread Safety
//
// All exported functions are safe for concurrent use. Internally the package
// relies on sync.Map and atomic primitives for minimal locking.
//
// Prefix Format
//
// The chosen prefix format `[name>]` provides a concise, grep-friendly
// component marker. Every line also starts with the standard logger's date
// and time (with microseconds), including when running under systemd.
//
// Testing
//
// Tests can redirect output by calling SetOutput with a bytes.Buffer,
// enabling assertions on log contents.
