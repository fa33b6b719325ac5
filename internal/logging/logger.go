package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once
	loggerMu          sync.RWMutex
)

func initDefaultLogger() {
	defaultLoggerOnce.Do(func() {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		defaultLogger = zerolog.New(output).With().Timestamp().Logger().Level(levelFromEnv())
	})
}

func levelFromEnv() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("AUDIOENGINE_LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// GetDefaultLogger returns the process-wide root logger
func GetDefaultLogger() *zerolog.Logger {
	initDefaultLogger()
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := defaultLogger
	return &l
}

// GetSubsystemLogger returns a child logger tagged with the given subsystem name
func GetSubsystemLogger(subsystem string) *zerolog.Logger {
	l := GetDefaultLogger().With().Str("subsystem", subsystem).Logger()
	return &l
}

// SetLevel changes the level of the root logger. Unknown names are ignored.
func SetLevel(name string) {
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || level == zerolog.NoLevel {
		return
	}
	initDefaultLogger()
	loggerMu.Lock()
	defaultLogger = defaultLogger.Level(level)
	loggerMu.Unlock()
}

// SetOutput replaces the writer of the root logger, keeping its level.
func SetOutput(w io.Writer, json bool) {
	initDefaultLogger()
	loggerMu.Lock()
	defer loggerMu.Unlock()
	level := defaultLogger.GetLevel()
	if json {
		defaultLogger = zerolog.New(w).With().Timestamp().Logger().Level(level)
		return
	}
	defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)
}
