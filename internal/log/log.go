// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

// Package log provides logging utilities for the instrumentation core.
package log

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bedrock-io/bedrock/internal/version"
)

// Logger implementations are able to log given messages that the
// instrumentation core might emit.
type Logger interface {
	// Log prints the given message.
	Log(msg string)
}

// Level specifies the logging level that the log package prints at.
type Level int

const (
	// LevelDebug represents debug level messages.
	LevelDebug Level = iota
	// LevelWarn represents warnings and errors.
	LevelWarn
)

var prefixMsg = fmt.Sprintf("Bedrock %s", version.Tag)

var (
	mu     sync.RWMutex // guards below fields
	level         = LevelWarn
	logger Logger = &defaultLogger{l: log.New(os.Stderr, "", log.LstdFlags)}
)

// UseLogger sets l as the active logger.
func UseLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// SetLevel sets the given lvl for logging.
func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	level = lvl
}

// DebugEnabled reports whether debug level messages are printed.
func DebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return level == LevelDebug
}

// Debug prints the given message if the level is LevelDebug.
func Debug(fmt string, a ...interface{}) {
	if !DebugEnabled() {
		return
	}
	printMsg("DEBUG", fmt, a...)
}

// Warn prints a warning message.
func Warn(fmt string, a ...interface{}) {
	printMsg("WARN", fmt, a...)
}

var (
	errmu   sync.RWMutex                // guards below fields
	erragg  = map[string]*errorReport{} // aggregated errors
	errrate time.Duration               // the rate at which errors are reported
	erron   bool                        // true if errors are being aggregated
)

func init() {
	errrate = time.Minute
	if v, ok := os.LookupEnv("BEDROCK_LOGGING_RATE"); ok {
		if sec, err := strconv.ParseUint(v, 10, 64); err != nil {
			Warn("Invalid value for BEDROCK_LOGGING_RATE: %v", err)
		} else {
			errrate = time.Duration(sec) * time.Second
		}
	}
}

type errorReport struct {
	err   error
	count uint64
}

// Error aggregates errors under the given key. The aggregated errors are
// printed once a minute or once every BEDROCK_LOGGING_RATE number of seconds.
func Error(key, format string, a ...interface{}) {
	if reachedLimit(key) {
		// avoid too much lock contention on spammy errors
		return
	}
	errmu.Lock()
	defer errmu.Unlock()
	report, ok := erragg[key]
	if !ok {
		erragg[key] = &errorReport{err: fmt.Errorf(format, a...)}
		report = erragg[key]
	}
	report.count++
	if !erron {
		erron = true
		time.AfterFunc(errrate, Flush)
	}
}

// defaultErrorLimit specifies the maximum number of errors gathered in a report.
const defaultErrorLimit = 50

// reachedLimit reports whether the maximum count has been reached for this key.
func reachedLimit(key string) bool {
	errmu.RLock()
	e, ok := erragg[key]
	errmu.RUnlock()
	return ok && e.count > defaultErrorLimit
}

// Flush flushes and resets all aggregated errors to the logger.
func Flush() {
	errmu.Lock()
	defer errmu.Unlock()
	for _, report := range erragg {
		msg := fmt.Sprintf("%v", report.err)
		if report.count > defaultErrorLimit {
			msg += fmt.Sprintf(", %d+ additional messages skipped", defaultErrorLimit)
		} else if report.count > 1 {
			msg += fmt.Sprintf(", %d additional messages skipped", report.count-1)
		}
		printMsg("ERROR", msg)
	}
	for k := range erragg {
		delete(erragg, k)
	}
	erron = false
}

func printMsg(lvl, format string, a ...interface{}) {
	msg := fmt.Sprintf("%s %s: %s", prefixMsg, lvl, fmt.Sprintf(format, a...))
	mu.RLock()
	logger.Log(msg)
	mu.RUnlock()
}

type defaultLogger struct{ l *log.Logger }

func (p *defaultLogger) Log(msg string) { p.l.Print(msg) }
