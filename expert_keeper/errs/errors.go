// Package errs classifies the failures of a rebalancing cycle. The kind of an
// error decides how the orchestrator reacts: configuration errors and protocol
// violations abort the cycle, gather errors skip it, lifecycle errors disable
// rebalancing for the rest of the process.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransientGather
	KindProtocolViolation
	KindProcessLifecycle
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindConfiguration:     "configuration",
	KindTransientGather:   "transient_gather",
	KindProtocolViolation: "protocol_violation",
	KindProcessLifecycle:  "process_lifecycle",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Cause() error {
	return e.cause
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newf(kind Kind, cause error, format string, args ...interface{}) error {
	return errors.WithStack(&Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause})
}

func Configurationf(format string, args ...interface{}) error {
	return newf(KindConfiguration, nil, format, args...)
}

func ProtocolViolationf(format string, args ...interface{}) error {
	return newf(KindProtocolViolation, nil, format, args...)
}

func TransientGather(cause error, format string, args ...interface{}) error {
	return newf(KindTransientGather, cause, format, args...)
}

func ProcessLifecycle(cause error, format string, args ...interface{}) error {
	return newf(KindProcessLifecycle, cause, format, args...)
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

func IsConfiguration(err error) bool {
	return KindOf(err) == KindConfiguration
}

func IsTransientGather(err error) bool {
	return KindOf(err) == KindTransientGather
}

func IsProtocolViolation(err error) bool {
	return KindOf(err) == KindProtocolViolation
}

func IsProcessLifecycle(err error) bool {
	return KindOf(err) == KindProcessLifecycle
}

// Fatal reports whether the cycle that produced err must be aborted instead of
// retried at the next cadence.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindProtocolViolation, KindProcessLifecycle:
		return true
	default:
		return false
	}
}
