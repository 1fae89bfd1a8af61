// Copyright 2024 Intel Corporation. All Rights Reserved.
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

package sched

import "fmt"

// ErrorKind classifies a scheduler error per §7.
type ErrorKind int

const (
	// ErrorInit: invalid topology input, out-of-memory during init, DSQ
	// creation failure. Fatal: the scheduler refuses to attach.
	ErrorInit ErrorKind = iota
	// ErrorLookupFatal: a per-CPU/LLC/task context lookup returned
	// nothing in a non-recoverable path. Reported via report_error; the
	// host ejects the scheduler.
	ErrorLookupFatal
	// ErrorInvalidArg: an id is out of range.
	ErrorInvalidArg
	// ErrorOutOfMemory (task-init): non-fatal, the task is rejected.
	ErrorOutOfMemory
	// ErrorTransient: ATQ peek/pop mismatch, failed test-and-clear.
	// Handled locally: retry, or reinsert into the next-best queue.
	ErrorTransient
	// ErrorTimerArm: at init only; disables deferred wakeups and falls
	// back to synchronous kicks.
	ErrorTimerArm
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorInit:
		return "init"
	case ErrorLookupFatal:
		return "lookup-fatal"
	case ErrorInvalidArg:
		return "invalid-arg"
	case ErrorOutOfMemory:
		return "out-of-memory"
	case ErrorTransient:
		return "transient"
	case ErrorTimerArm:
		return "timer-arm"
	default:
		return "unknown"
	}
}

// Fatal reports whether this kind of error, by default, is non-recoverable
// (the host is expected to eject the scheduler). ErrorInvalidArg and
// ErrorTransient are handled locally wherever a conservative fallback
// exists; callers that hit the no-fallback branch construct those kinds
// with fatal context via WithFatal.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrorInit, ErrorLookupFatal:
		return true
	default:
		return false
	}
}

// Error is the scheduler core's uniform error type (§7). It is never a Go
// panic: every hot-path failure is a returned Error, swallowed locally
// when a conservative fallback exists and otherwise routed to the host's
// report_error primitive (§6.2 EXPANSION).
type Error struct {
	Kind    ErrorKind
	Message string
	fatal   bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// newError builds an Error of kind with a formatted message.
func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), fatal: kind.Fatal()}
}

// WithFatal overrides the default fatal-ness of e, for cases like
// ErrorInvalidArg that are fatal only when no conservative fallback
// (e.g. CPU 0) applies.
func (e *Error) WithFatal(fatal bool) *Error {
	e.fatal = fatal
	return e
}

// IsFatal reports whether the host should eject the scheduler after this
// error.
func (e *Error) IsFatal() bool { return e.fatal }
