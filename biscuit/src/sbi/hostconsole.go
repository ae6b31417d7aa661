package sbi

import (
	"os"

	"golang.org/x/term"
)

// HostConsole backs the Console interface with the host terminal, for
// running the kernel interactively against a real keyboard and screen
// instead of a fake. It puts the host terminal into raw mode so every
// keystroke reaches GetChar immediately, the way SBI's legacy getchar
// call delivers one character at a time with no line buffering.
type HostConsole struct {
	fd    int
	state *term.State
	keyCh chan byte
}

// NewHostConsole puts stdin into raw mode and starts the background reader
// that feeds GetChar. Callers must call Restore when done to return the
// terminal to its original state.
func NewHostConsole() (*HostConsole, error) {
	fd := int(os.Stdin.Fd())
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	c := &HostConsole{fd: fd, state: saved, keyCh: make(chan byte, 16)}
	go c.readKeys()
	return c, nil
}

func (c *HostConsole) readKeys() {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		if n == 1 {
			c.keyCh <- buf[0]
		}
	}
}

// PutChar writes c to stdout, matching SBI legacy putchar's one-char-at-a-
// time contract.
func (c *HostConsole) PutChar(r rune) error {
	_, err := os.Stdout.WriteString(string(r))
	return err
}

// GetChar returns the next pending keystroke without blocking, matching
// SBI legacy getchar's "none available yet" semantics.
func (c *HostConsole) GetChar() (rune, bool) {
	select {
	case b := <-c.keyCh:
		return rune(b), true
	default:
		return 0, false
	}
}

// Restore returns the host terminal to the state it was in before
// NewHostConsole.
func (c *HostConsole) Restore() error {
	return term.Restore(c.fd, c.state)
}
