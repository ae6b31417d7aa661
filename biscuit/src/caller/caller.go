// Package caller provides stack-trace diagnostics for the kernel panic path.
// Per the kernel's error-handling policy, a panic is reserved for invariant
// violations; the handler prints a trace via console-out and spins forever,
// and this package formats that trace.
package caller

import (
	"fmt"
	"runtime"
)

// Dump renders the call stack starting at the given depth as a
// newline-joined string of "file:line" frames, innermost first.
func Dump(start int) string {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

// Panicf formats a message, appends a stack trace, and panics with the
// combined string.
func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(msg + "\n" + Dump(2))
}
