package utils

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

// WaitCondition polls f every 100ms up to count times; the last try runs with
// log=true so the condition can print why it failed.
func WaitCondition(t *testing.T, f func(log bool) bool, count int) {
	for i := 0; i < count; i++ {
		if f(false) {
			return
		}
		time.Sleep(time.Millisecond * 100)
	}
	assert.Assert(t, f(true))
}
