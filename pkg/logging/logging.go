package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	base        atomic.Pointer[zap.Logger]
	defaultOnce sync.Once
	defaultLog  *zap.Logger

	// Async logging channel and worker
	logChan chan entry
	logMu   sync.RWMutex
	logWg   sync.WaitGroup
)

type entry struct {
	level zapcore.Level
	msg   string
}

// GetInstanceID returns the identifier attached to every log line.
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		// GATEWAY_ID allows a fixed ID, then POD_NAME, then HOSTNAME
		instanceID = os.Getenv("GATEWAY_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if len(hostname) > 8 {
				hostname = hostname[len(hostname)-8:]
			}
			if hostname == "" {
				hostname = "unknown"
			}
			instanceID = hostname
		}
	})
	return instanceID
}

// Init configures level ("debug", "info", "warn", "error") and format ("text" or "json").
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	enc, err := newEncoder(format)
	if err != nil {
		return err
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	SetLogger(zap.New(core))
	return nil
}

// SetLogger replaces the underlying logger. The instance field is added here.
func SetLogger(l *zap.Logger) {
	base.Store(l.With(zap.String("instance", GetInstanceID())))
}

// Logger returns the underlying zap logger.
func Logger() *zap.Logger {
	if l := base.Load(); l != nil {
		return l
	}
	defaultOnce.Do(func() {
		enc, _ := newEncoder("text")
		defaultLog = zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapcore.InfoLevel)).
			With(zap.String("instance", GetInstanceID()))
	})
	return defaultLog
}

// StdLogger adapts the logger for libraries that want a *log.Logger (http.Server.ErrorLog).
func StdLogger() *log.Logger {
	l, err := zap.NewStdLogAt(Logger(), zapcore.WarnLevel)
	if err != nil {
		return log.Default()
	}
	return l
}

func newEncoder(format string) (zapcore.Encoder, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch strings.ToLower(format) {
	case "json":
		return zapcore.NewJSONEncoder(cfg), nil
	case "", "text":
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// DebugEnabled reports whether debug lines would be written.
func DebugEnabled() bool {
	return Logger().Core().Enabled(zapcore.DebugLevel)
}

// Logf logs a formatted message at info level (async, non-blocking)
func Logf(format string, v ...interface{}) {
	emit(zapcore.InfoLevel, fmt.Sprintf(format, v...))
}

// Log logs a message at info level (async, non-blocking)
func Log(v ...interface{}) {
	emit(zapcore.InfoLevel, fmt.Sprint(v...))
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, v ...interface{}) {
	if !DebugEnabled() {
		return
	}
	emit(zapcore.DebugLevel, fmt.Sprintf(format, v...))
}

// Warnf logs a formatted message at warn level.
func Warnf(format string, v ...interface{}) {
	emit(zapcore.WarnLevel, fmt.Sprintf(format, v...))
}

// Fatalf flushes pending lines, logs synchronously and exits.
func Fatalf(format string, v ...interface{}) {
	Flush()
	Logger().Fatal(fmt.Sprintf(format, v...))
}

func emit(level zapcore.Level, msg string) {
	logMu.RLock()
	ch := logChan
	if ch != nil {
		// Channel is full: write directly rather than block the caller.
		select {
		case ch <- entry{level: level, msg: msg}:
			logMu.RUnlock()
			return
		default:
		}
	}
	logMu.RUnlock()

	if ch == nil && startWorker() {
		emit(level, msg)
		return
	}
	write(level, msg)
}

// startWorker starts the async writer. Returns false if it was already running.
func startWorker() bool {
	logMu.Lock()
	defer logMu.Unlock()
	if logChan != nil {
		return false
	}
	logChan = make(chan entry, 1000)
	ch := logChan
	logWg.Add(1)
	go func() {
		defer logWg.Done()
		for e := range ch {
			write(e.level, e.msg)
		}
	}()
	return true
}

func write(level zapcore.Level, msg string) {
	if ce := Logger().Check(level, msg); ce != nil {
		ce.Write()
	}
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	if logChan != nil {
		close(logChan)
		logChan = nil
	}
	logMu.Unlock()
	logWg.Wait()
	_ = Logger().Sync()
}
