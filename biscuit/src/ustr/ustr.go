// Package ustr implements the path-string handling used by the Open
// syscall: UTF-8 validation, absolute-path checks, and splitting into
// slash-separated components for ext2 path lookup.
package ustr

import (
	"unicode/utf8"

	"defs"
)

// Ustr is an immutable path or string used by the kernel.
type Ustr []uint8

// FromUserBytes validates buf as UTF-8 and returns it as a Ustr. The Open
// syscall requires this: a non-UTF-8 path is InvalidFormat.
func FromUserBytes(buf []uint8) (Ustr, defs.Err_t) {
	if !utf8.Valid(buf) {
		return nil, defs.ErrInvalidFormat
	}
	return Ustr(buf), defs.ErrNone
}

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

// Components splits an absolute path into its non-empty slash-separated
// components. Open's contract: the path must start with '/'; everything
// after that is walked component by component via ext2 path lookup.
//
// Components("/a/b/c") -> ["a", "b", "c"]
// Components("/")       -> []
func (us Ustr) Components() ([]Ustr, defs.Err_t) {
	if !us.IsAbsolute() {
		return nil, defs.ErrInvalidFormat
	}
	rest := us[1:]
	var parts []Ustr
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i == len(rest) || rest[i] == '/' {
			if i > start {
				parts = append(parts, rest[start:i])
			}
			start = i + 1
		}
	}
	return parts, defs.ErrNone
}
