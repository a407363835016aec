package logging

import (
	"os"
	"runtime/debug"
	"sync/atomic"
)

var (
	kLogger      atomic.Value
	verboseLevel = int32(0)
)

func init() {
	resetGlobal()
}

func resetGlobal() {
	l := GetLogger("log")
	l.SetDepth(l.Depth() + 1)
	kLogger.Store(l)
}

func current() Logger {
	return kLogger.Load().(Logger)
}

func Fatal(format string, args ...interface{}) {
	l := current()
	l.Errorf(format, args...)
	l.Errorf(string(debug.Stack()))
	l.Flush()
	os.Exit(255)
}

func Assert(exp bool, format string, args ...interface{}) {
	if !exp {
		Fatal(format, args...)
	}
}

func InfoIf(flag bool, format string, args ...interface{}) {
	if flag {
		current().Infof(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	current().Infof(format, args...)
}

func Warning(format string, args ...interface{}) {
	current().Warningf(format, args...)
}

func Error(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

func Verbose(lvl int32, format string, args ...interface{}) {
	l := atomic.LoadInt32(&verboseLevel)
	if lvl <= l {
		current().Infof(format, args...)
	}
}

func SetVerboseLevel(level int32) {
	Info("set verbose level to %d", level)
	atomic.StoreInt32(&verboseLevel, level)
}

func Flush() {
	current().Flush()
}
