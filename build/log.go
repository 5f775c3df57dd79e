// Package build hosts the logging backend shared by every orbitd subsystem.
// Each package declares its own log.go with a package-level logger obtained
// through NewSubLogger, so log levels can be tuned per subsystem at runtime.
package build

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
)

// LogWriter writes to stdout and, when log rotation has been configured, to
// the rotator pipe as well.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for writing to the log rotator.
	// It is nil until InitLogRotator has been called.
	RotatorPipe *io.PipeWriter
}

// Write writes the provided byte slice to stdout and the rotator pipe if one
// is present.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}
	return len(b), nil
}

// SubLoggers holds a map of subsystem loggers keyed by their subsystem tag.
type SubLoggers map[string]btclog.Logger

// SubLoggerManager owns the log backend and hands out per-subsystem loggers.
// It is constructed once at daemon startup and passed by reference wherever
// a subsystem logger is needed.
type SubLoggerManager struct {
	backend *btclog.Backend

	mu         sync.Mutex
	subLoggers SubLoggers
}

// NewSubLoggerManager creates a manager writing through the given writer.
func NewSubLoggerManager(w io.Writer) *SubLoggerManager {
	return &SubLoggerManager{
		backend:    btclog.NewBackend(w),
		subLoggers: make(SubLoggers),
	}
}

// GenSubLogger returns the logger registered for the given subsystem tag,
// creating it on first use.
func (m *SubLoggerManager) GenSubLogger(tag string) btclog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.subLoggers[tag]; ok {
		return logger
	}

	logger := m.backend.Logger(tag)
	m.subLoggers[tag] = logger
	return logger
}

// SubLoggers returns the map of all registered subsystem loggers.
func (m *SubLoggerManager) SubLoggers() SubLoggers {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := make(SubLoggers, len(m.subLoggers))
	for k, v := range m.subLoggers {
		c[k] = v
	}
	return c
}

// SupportedSubsystems returns a sorted slice of registered subsystem tags.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subsystems := make([]string, 0, len(m.subLoggers))
	for tag := range m.subLoggers {
		subsystems = append(subsystems, tag)
	}
	sort.Strings(subsystems)
	return subsystems
}

// SetLogLevel assigns an individual subsystem logger a new log level.
func (m *SubLoggerManager) SetLogLevel(tag, logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger, ok := m.subLoggers[tag]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels assigns all registered subsystem loggers the same level.
func (m *SubLoggerManager) SetLogLevels(logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range m.subLoggers {
		logger.SetLevel(level)
	}
}

// NewSubLogger constructs a subsystem logger from the given constructor, or
// a disabled logger when none is provided. Packages call this from their
// init so that importing a package never produces output until the daemon
// wires real loggers in.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}
	return btclog.Disabled
}

// ParseAndSetDebugLevels parses a debug level spec of the form
// "level" or "level,subsystem=level,..." and applies it to the manager.
func ParseAndSetDebugLevels(level string, m *SubLoggerManager) error {
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// If the first entry has no =, treat it as the log level for all
	// subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", globalLevel)
		}

		m.SetLogLevels(globalLevel)
		levels = levels[1:]
	}

	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}
		tag, logLevel := fields[0], fields[1]

		if _, exists := m.SubLoggers()[tag]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v", tag,
				m.SupportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		m.SetLogLevel(tag, logLevel)
	}

	return nil
}

// validLogLevel returns whether logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}
	return false
}
