package logging

import "sync"

type Logger interface {
	Depth() int
	SetDepth(depth int)
	Errorf(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Flush()
}

type LoggerFactory func(moduleName string) Logger

var (
	factoryMu     sync.RWMutex
	loggerFactory LoggerFactory = GetDefaultLogger
)

// SetLoggerFactory swaps the backend of the package level functions. Loggers
// obtained earlier through GetLogger keep their old backend.
func SetLoggerFactory(factory LoggerFactory) {
	factoryMu.Lock()
	loggerFactory = factory
	factoryMu.Unlock()
	resetGlobal()
}

func GetLogger(moduleName string) Logger {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	return loggerFactory(moduleName)
}
