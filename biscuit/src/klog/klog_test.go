package klog

import (
	"strings"
	"testing"

	"sbi"
)

type captureConsole struct {
	sb strings.Builder
}

func (c *captureConsole) PutChar(r rune) error {
	c.sb.WriteRune(r)
	return nil
}

func (c *captureConsole) GetChar() (rune, bool) { return 0, false }

func TestInfofWritesFormattedLineToConsole(t *testing.T) {
	saved := sbi.Default
	defer func() { sbi.Default = saved }()
	fake := &captureConsole{}
	sbi.Default = fake

	savedLevel := LogLevel.Level()
	LogLevel.Set(Debug)
	defer LogLevel.Set(savedLevel)

	Infof("boot: ram=%d", 42)

	out := fake.sb.String()
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "boot: ram=42") {
		t.Fatalf("console output = %q, want it to contain level and message", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("console output = %q, want a trailing newline", out)
	}
}

func TestLogLevelFiltersBelowThreshold(t *testing.T) {
	saved := sbi.Default
	defer func() { sbi.Default = saved }()
	fake := &captureConsole{}
	sbi.Default = fake

	savedLevel := LogLevel.Level()
	LogLevel.Set(Warn)
	defer LogLevel.Set(savedLevel)

	Debugf("should not appear")
	if fake.sb.Len() != 0 {
		t.Fatalf("Debugf wrote %q while LogLevel is Warn, want nothing", fake.sb.String())
	}
}
