// Package sbi wraps the firmware console primitives the kernel calls from
// its console-in/console-out resource descriptors. Per spec these are
// external collaborators (console_putchar/console_getchar); this package
// is the thin ecall-shaped boundary around them, not a driver.
package sbi

// Console abstracts the two SBI v0.1 legacy calls the kernel uses:
// putchar (eid=1) and getchar (eid=2). A real build issues `ecall` with
// a7=eid, a6=0; tests substitute an in-memory Console.
type Console interface {
	// PutChar writes a single character, returning an error if the
	// firmware call failed.
	PutChar(c rune) error
	// GetChar polls for a pending character. ok is false if none is
	// currently available (the caller is expected to retry).
	GetChar() (c rune, ok bool)
}

// Default is the console the kernel's resource descriptors write and read
// through. It starts as a no-op console; the kernel command installs a
// HostConsole when stdin is a terminal, and tests install a fake.
var Default Console = nopConsole{}

type nopConsole struct{}

func (nopConsole) PutChar(rune) error        { return nil }
func (nopConsole) GetChar() (rune, bool)     { return 0, false }

// Putchar writes c via Default.
func Putchar(c rune) error { return Default.PutChar(c) }

// Getchar polls Default for a character.
func Getchar() (rune, bool) { return Default.GetChar() }
