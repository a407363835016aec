package utils

import (
	"sync/atomic"
)

type DroppableState int32

const (
	StateInitializing DroppableState = iota
	StateNormal
	StateDropping
	StateDropped
)

var stateRep = []string{
	"initializing",
	"normal",
	"dropping",
	"dropped",
}

func (s DroppableState) String() string {
	if s < StateInitializing || s > StateDropped {
		return "unknown"
	}
	return stateRep[int32(s)]
}

func (s DroppableState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DroppableStateHolder tracks the lifecycle of a background component. The
// zero value is StateInitializing and StateDropped is terminal.
type DroppableStateHolder struct {
	state atomic.Int32
}

func (d *DroppableStateHolder) Set(s DroppableState) {
	for {
		cur := d.state.Load()
		if DroppableState(cur) == StateDropped {
			return
		}
		if d.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (d *DroppableStateHolder) Get() DroppableState {
	return DroppableState(d.state.Load())
}

// Cas moves old to s and returns the state after the call.
func (d *DroppableStateHolder) Cas(old, s DroppableState) (DroppableState, bool) {
	if d.state.CompareAndSwap(int32(old), int32(s)) {
		return s, true
	}
	return d.Get(), false
}
