// Copyright 2016 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package xlog is a small structured logger: a Logger carries a fixed set
// of key/value context fields, and every record is tagged with its call
// site via go-stack/stack.
package xlog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-stack/stack"
)

// Level is the severity of a log record.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "EROR"
	default:
		return "????"
	}
}

var (
	mu       sync.Mutex
	minLevel = LevelInfo
)

// SetLevel sets the process-wide minimum level that gets written out.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// Logger carries a fixed context of key/value pairs, attached to every
// record it emits.
type Logger struct {
	ctx []interface{}
}

// New creates a Logger with the given context, supplied as alternating
// key, value pairs (e.g. New("tenant", tid, "timeline", lid)).
func New(ctx ...interface{}) Logger {
	return Logger{ctx: ctx}
}

func (l Logger) with(extra []interface{}) []interface{} {
	if len(l.ctx) == 0 {
		return extra
	}
	all := make([]interface{}, 0, len(l.ctx)+len(extra))
	all = append(all, l.ctx...)
	all = append(all, extra...)
	return all
}

func (l Logger) log(lvl Level, msg string, ctx []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl < minLevel {
		return
	}
	call := stack.Caller(2)
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s] %-40s", lvl, time.Now().UTC().Format("15:04:05.000"), msg)
	all := l.with(ctx)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintf(&b, " (%+v)", call)
	fmt.Fprintln(os.Stderr, b.String())
}

func (l Logger) Debug(msg string, ctx ...interface{}) { l.log(LevelDebug, msg, ctx) }
func (l Logger) Info(msg string, ctx ...interface{})  { l.log(LevelInfo, msg, ctx) }
func (l Logger) Warn(msg string, ctx ...interface{})  { l.log(LevelWarn, msg, ctx) }
func (l Logger) Error(msg string, ctx ...interface{}) { l.log(LevelError, msg, ctx) }

// root is a logger with no base context, backing the package-level
// convenience functions below.
var root = Logger{}

// They call log directly so that stack.Caller(2) in log lands on their own
// caller, as it does for the Logger methods.
func Debug(msg string, ctx ...interface{}) { root.log(LevelDebug, msg, ctx) }
func Info(msg string, ctx ...interface{})  { root.log(LevelInfo, msg, ctx) }
func Warn(msg string, ctx ...interface{})  { root.log(LevelWarn, msg, ctx) }
func Error(msg string, ctx ...interface{}) { root.log(LevelError, msg, ctx) }
