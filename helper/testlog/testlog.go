// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T to ease
// logging in tests.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogLevel returns the level for logs in tests, configurable with the
// TEST_LOGLEVEL environment variable.
func LogLevel() string {
	if testLevel := os.Getenv("TEST_LOGLEVEL"); testLevel != "" {
		return testLevel
	}
	return "WARN"
}

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Logf(format string, args ...interface{})
	Name() string
}

// writer implements io.Writer on top of a Logger.
type writer struct {
	t Logger
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a Logger.
func NewWriter(t Logger) io.Writer {
	return &writer{t}
}

// HCLogger returns a new test hclog.Logger.
func HCLogger(t Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Level:  hclog.LevelFromString(LogLevel()),
		Output: NewWriter(t),
	})
}
