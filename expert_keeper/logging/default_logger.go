package logging

import (
	"fmt"
	"sync"
)

type defaultLogger struct {
	mu     sync.RWMutex
	depth  int
	module string
}

func GetDefaultLogger(moduleName string) Logger {
	return &defaultLogger{module: moduleName}
}

func (l *defaultLogger) Depth() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.depth
}

func (l *defaultLogger) SetDepth(depth int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.depth = depth
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	fmt.Printf("E "+format, args...)
	fmt.Printf("\n")
}

func (l *defaultLogger) Warningf(format string, args ...interface{}) {
	fmt.Printf("W "+format, args...)
	fmt.Printf("\n")
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	fmt.Printf("I "+format, args...)
	fmt.Printf("\n")
}

func (l *defaultLogger) Flush() {
}
