package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the severity of a log line.
type Level int

const (
	Critical Level = 50
	Error    Level = 40
	Warning  Level = 30
	Info     Level = 20
	Debug    Level = 10
	NotSet   Level = 0
)

var (
	level   = Warning
	levelMu sync.RWMutex
	output  io.Writer = os.Stdout
	outMu   sync.RWMutex
)

func init() {
	localEnv := os.Getenv("LOCAL")
	if strings.ToLower(localEnv) == "true" || localEnv == "1" {
		SetLevel(Debug)
	}
	if lvl, ok := ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		SetLevel(lvl)
	}
}

// ParseLevel maps a level name to a Level.
func ParseLevel(name string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warning, true
	case "error":
		return Error, true
	case "critical":
		return Critical, true
	}
	return NotSet, false
}

// SetLevel sets the process-wide minimum level.
func SetLevel(l Level) {
	levelMu.Lock()
	defer levelMu.Unlock()
	level = l
}

// CurrentLevel returns the process-wide minimum level.
func CurrentLevel() Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return level
}

// SetOutput redirects every logger created afterwards. Used by tests.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	output = w
}

func currentOutput() io.Writer {
	outMu.RLock()
	defer outMu.RUnlock()
	return output
}

// Logger writes leveled lines with a component prefix and key/value pairs.
type Logger struct {
	prefix string
	logger *log.Logger
}

// New creates a logger for the named component.
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		logger: log.New(currentOutput(), fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
	}
}

// With returns a child logger whose prefix is extended with name.
func (l *Logger) With(name string) *Logger {
	return New(l.prefix + "." + name)
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.log(Debug, "DEBUG", msg, keyvals) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.log(Info, "INFO", msg, keyvals) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.log(Warning, "WARN", msg, keyvals) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.log(Error, "ERROR", msg, keyvals) }

func (l *Logger) log(lvl Level, tag, msg string, keyvals []interface{}) {
	if lvl < CurrentLevel() {
		return
	}
	l.logger.Println(formatMessage(tag, msg, keyvals...))
}

// formatMessage formats a message with key-value pairs
func formatMessage(level, msg string, keyvals ...interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			fmt.Fprintf(&b, " %v=%v", keyvals[i], keyvals[i+1])
		} else {
			fmt.Fprintf(&b, " %v=<missing>", keyvals[i])
		}
	}
	return b.String()
}

// Infof and friends log through the standard logger without a component prefix.
func Infof(format string, v ...interface{}) {
	if CurrentLevel() <= Info {
		log.Printf("[INFO] "+format, v...)
	}
}

func Warningf(format string, v ...interface{}) {
	if CurrentLevel() <= Warning {
		log.Printf("[WARN] "+format, v...)
	}
}

func Errorf(format string, v ...interface{}) {
	if CurrentLevel() <= Error {
		log.Printf("[ERROR] "+format, v...)
	}
}

func Fatalf(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+format, v...)
}
