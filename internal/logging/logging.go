// Package logging wires the process-wide structured logger. One
// *zap.Logger is constructed at startup and named per subsystem, mirroring
// the teacher's single-logger-instance-per-process convention.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once sync.Once
	root *zap.Logger
)

// Init builds the process-wide logger. Safe to call more than once; only
// the first call takes effect.
func Init(development bool) *zap.Logger {
	once.Do(func() {
		var l *zap.Logger
		var err error
		if development {
			l, err = zap.NewDevelopment()
		} else {
			l, err = zap.NewProduction()
		}
		if err != nil {
			l = zap.NewNop()
		}
		root = l
	})
	return root
}

// Named returns a logger scoped to the given subsystem, initializing a
// default production logger if Init was never called.
func Named(name string) *zap.Logger {
	if root == nil {
		Init(false)
	}
	return root.Named(name)
}
