/*
Package logger provides the leveled logging client used across the PLC runtime. Lines are
written to stdout and, optionally, appended to a local file.
*/
package logger

import (
	"fmt"
	"io"
	stdLog "log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	TraceLog = "TRACE"
	DebugLog = "DEBUG"
	InfoLog  = "INFO"
	WarnLog  = "WARN"
	ErrorLog = "ERROR"
)

// levelOrder is the filtering precedence, most verbose first.
var levelOrder = map[string]int{
	TraceLog: 0,
	DebugLog: 1,
	InfoLog:  2,
	WarnLog:  3,
	ErrorLog: 4,
}

// sink is shared between a client and the clients derived from it with WithComponent.
type sink struct {
	mu         sync.RWMutex // guards level
	level      string
	writeMu    sync.Mutex
	writer     io.Writer
	fileHandle *os.File
}

type plcLogger struct {
	*sink
	component string
}

// LoggerConfig holds configuration for logger creation
type LoggerConfig struct {
	LogLevel      string    // TRACE, DEBUG, INFO, WARN or ERROR
	FilePath      string    // log file, empty for console only
	EnableConsole bool      // also write to stdout
	Writer        io.Writer // extra sink, mostly for tests
}

// NewClient creates a console-only LoggingClient.
func NewClient(logLevel string) LoggingClient {
	return NewClientWithConfig(LoggerConfig{
		LogLevel:      logLevel,
		EnableConsole: true,
	})
}

// NewClientWithFile creates a LoggingClient writing to the console and to filePath.
func NewClientWithFile(logLevel string, filePath string) (LoggingClient, error) {
	lc := NewClientWithConfig(LoggerConfig{
		LogLevel:      logLevel,
		FilePath:      filePath,
		EnableConsole: true,
	})
	if lc.(*plcLogger).fileHandle == nil {
		return lc, fmt.Errorf("unable to open log file %s", filePath)
	}
	return lc, nil
}

// NewClientWithConfig creates a LoggingClient from config. An invalid level falls back to INFO.
func NewClientWithConfig(config LoggerConfig) LoggingClient {
	level := strings.ToUpper(config.LogLevel)
	if !isValidLogLevel(level) {
		level = InfoLog
	}

	s := &sink{level: level}

	var writers []io.Writer
	if config.EnableConsole {
		writers = append(writers, os.Stdout)
	}
	if config.Writer != nil {
		writers = append(writers, config.Writer)
	}
	if config.FilePath != "" {
		if file, err := openLogFile(config.FilePath); err != nil {
			stdLog.Printf("log file disabled: %v", err)
		} else {
			s.fileHandle = file
			writers = append(writers, file)
		}
	}

	switch len(writers) {
	case 0:
		s.writer = os.Stdout
	case 1:
		s.writer = writers[0]
	default:
		s.writer = io.MultiWriter(writers...)
	}

	return &plcLogger{sink: s}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func isValidLogLevel(l string) bool {
	_, ok := levelOrder[strings.ToUpper(l)]
	return ok
}

func (l *plcLogger) WithComponent(name string) LoggingClient {
	return &plcLogger{sink: l.sink, component: name}
}

// Close closes the log file if one is open. Derived clients share the file.
func (l *plcLogger) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.fileHandle == nil {
		return nil
	}
	err := l.fileHandle.Close()
	l.fileHandle = nil
	return err
}

func (l *plcLogger) currentLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *plcLogger) enabled(target string) bool {
	return levelOrder[target] >= levelOrder[l.currentLevel()]
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "?"
	}
	parts := strings.Split(file, "/")
	if len(parts) > 2 {
		file = strings.Join(parts[len(parts)-2:], "/")
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (l *plcLogger) output(level string, formatted bool, msg string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}

	const timeLayout = "2006-01-02 15:04:05.000000"

	rendered := msg
	var kvs []string
	if formatted {
		rendered = fmt.Sprintf(msg, args...)
	} else if len(args) > 0 {
		if len(args)%2 == 1 {
			args = append(args, "")
		}
		for i := 0; i < len(args); i += 2 {
			k := fmt.Sprintf("%v", args[i])
			switch k {
			case "level", "ts", "source", "msg", "component":
				k = "extra_" + k
			}
			v := strings.ReplaceAll(fmt.Sprintf("%v", args[i+1]), "\"", "'")
			kvs = append(kvs, k+"="+v)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "level=%-5s ts=%s source=%s", level, time.Now().Format(timeLayout), caller(3))
	if l.component != "" {
		b.WriteString(" component=")
		b.WriteString(l.component)
	}
	fmt.Fprintf(&b, " msg=\"%s\"", strings.ReplaceAll(rendered, "\"", "'"))
	for _, kv := range kvs {
		b.WriteByte(' ')
		b.WriteString(kv)
	}
	b.WriteByte('\n')

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := io.WriteString(l.writer, b.String()); err != nil {
		stdLog.Printf("logger write error: %v", err)
	}
}

func (l *plcLogger) SetLogLevel(logLevel string) error {
	upper := strings.ToUpper(logLevel)
	if !isValidLogLevel(upper) {
		return fmt.Errorf("invalid log level `%s`", logLevel)
	}
	l.mu.Lock()
	l.level = upper
	l.mu.Unlock()
	return nil
}

func (l *plcLogger) LogLevel() string { return l.currentLevel() }

func (l *plcLogger) Trace(msg string, args ...interface{}) { l.output(TraceLog, false, msg, args...) }
func (l *plcLogger) Debug(msg string, args ...interface{}) { l.output(DebugLog, false, msg, args...) }
func (l *plcLogger) Info(msg string, args ...interface{})  { l.output(InfoLog, false, msg, args...) }
func (l *plcLogger) Warn(msg string, args ...interface{})  { l.output(WarnLog, false, msg, args...) }
func (l *plcLogger) Error(msg string, args ...interface{}) { l.output(ErrorLog, false, msg, args...) }

func (l *plcLogger) Tracef(msg string, args ...interface{}) { l.output(TraceLog, true, msg, args...) }
func (l *plcLogger) Debugf(msg string, args ...interface{}) { l.output(DebugLog, true, msg, args...) }
func (l *plcLogger) Infof(msg string, args ...interface{})  { l.output(InfoLog, true, msg, args...) }
func (l *plcLogger) Warnf(msg string, args ...interface{})  { l.output(WarnLog, true, msg, args...) }
func (l *plcLogger) Errorf(msg string, args ...interface{}) { l.output(ErrorLog, true, msg, args...) }
