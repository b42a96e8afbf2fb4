package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Logger defines the interface for logging throughout the application.
// Different implementations can be used for different contexts (console, silent, etc.)
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// ConsoleLogger writes human-readable logs to stdout/stderr.
// Used for normal operation and debugging.
type ConsoleLogger struct {
	mu    sync.Mutex
	out   io.Writer
	err   io.Writer
	debug bool
}

// NewConsoleLogger returns a logger writing info and debug to stdout, warnings and errors to stderr.
func NewConsoleLogger(debug bool) *ConsoleLogger {
	return &ConsoleLogger{out: os.Stdout, err: os.Stderr, debug: debug}
}

// NewWriterLogger sends every level to w.
func NewWriterLogger(w io.Writer, debug bool) *ConsoleLogger {
	return &ConsoleLogger{out: w, err: w, debug: debug}
}

func (c *ConsoleLogger) Debug(msg string, args ...interface{}) {
	if !c.debug {
		return
	}
	c.write(c.out, "DEBUG", msg, args...)
}

func (c *ConsoleLogger) Info(msg string, args ...interface{}) {
	c.write(c.out, "INFO", msg, args...)
}

func (c *ConsoleLogger) Warn(msg string, args ...interface{}) {
	c.write(c.err, "WARN", msg, args...)
}

func (c *ConsoleLogger) Error(msg string, args ...interface{}) {
	c.write(c.err, "ERROR", msg, args...)
}

func (c *ConsoleLogger) write(w io.Writer, level, msg string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(w, "["+level+"] "+msg+"\n", args...)
}

// SilentLogger discards everything except errors, which still go to stderr.
// Used by the MCP server so log output does not interfere with the stdio protocol stream.
type SilentLogger struct{}

func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

func (s *SilentLogger) Debug(msg string, args ...interface{}) {}
func (s *SilentLogger) Info(msg string, args ...interface{})  {}
func (s *SilentLogger) Warn(msg string, args ...interface{})  {}
func (s *SilentLogger) Error(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+msg+"\n", args...)
}
