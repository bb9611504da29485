// Package logger provides the process-wide logger: a zap core writing
// console-encoded lines to a configurable set of outputs. Init must be
// called early; AddOutput and SetEnabled return errors before Init. The TUI
// registers a LogBufferWriter output to capture logs into a ring buffer.
package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger fans zap output to multiple writers.
type Logger struct {
	mu      sync.Mutex
	outputs []io.Writer
	prefix  string
	enabled bool
	sugar   *zap.SugaredLogger
}

var (
	globalLogger *Logger
	once         sync.Once
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetGlobalLogBuffer returns the global log buffer.
func GetGlobalLogBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(1000) // keep last 1000 entries
	})
	return globalBuffer
}

// fanout is the zap sink; it forwards every encoded line to the registered
// outputs under the logger lock.
type fanout struct {
	l *Logger
}

func (f *fanout) Write(p []byte) (int, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if !f.l.enabled {
		return len(p), nil
	}
	for _, out := range f.l.outputs {
		out.Write(p)
	}
	return len(p), nil
}

// Init initializes the global logger. writeToStdout controls whether stdout
// is part of the initial output set; the interactive TUI passes false and
// registers a log-buffer writer instead.
func Init(prefix string, writeToStdout bool) {
	once.Do(func() {
		l := &Logger{prefix: prefix, enabled: true}
		if writeToStdout {
			l.outputs = append(l.outputs, os.Stdout)
		}

		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(&fanout{l}),
			zapcore.DebugLevel,
		)
		l.sugar = zap.New(core).Sugar()
		globalLogger = l
	})
}

// S returns the global sugared logger for structured call sites. Falls back
// to a no-op logger before Init.
func S() *zap.SugaredLogger {
	if globalLogger == nil {
		return zap.NewNop().Sugar()
	}
	return globalLogger.sugar
}

// AddOutput adds an output writer (e.g. the TUI log buffer).
func AddOutput(w io.Writer) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.outputs = append(globalLogger.outputs, w)
	return nil
}

// RemoveOutput removes an output writer.
func RemoveOutput(w io.Writer) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()

	outputs := make([]io.Writer, 0, len(globalLogger.outputs))
	for _, out := range globalLogger.outputs {
		if out != w {
			outputs = append(outputs, out)
		}
	}
	globalLogger.outputs = outputs
	return nil
}

// SetEnabled enables or disables logging.
func SetEnabled(enabled bool) error {
	if globalLogger == nil {
		return errors.New("logger not initialized: call logger.Init() first")
	}
	globalLogger.mu.Lock()
	defer globalLogger.mu.Unlock()
	globalLogger.enabled = enabled
	return nil
}

func (l *Logger) msg(format string, v ...interface{}) string {
	msg := fmt.Sprintf(format, v...)
	if l.prefix != "" {
		msg = fmt.Sprintf("[%s] %s", l.prefix, msg)
	}
	return msg
}

// Printf logs a formatted message at info level.
func Printf(format string, v ...interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.sugar.Info(globalLogger.msg(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.sugar.Info(globalLogger.msg(format, v...))
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.sugar.Debug(globalLogger.msg(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.sugar.Error(globalLogger.msg(format, v...))
}
