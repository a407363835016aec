package errs

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := Configurationf("card num %d can not be 0", 0)
	wrapped := errors.Wrap(err, "plan layer 3")
	assert.Assert(t, IsConfiguration(wrapped))
	assert.Assert(t, Fatal(wrapped))
	assert.ErrorContains(t, wrapped, "configuration: card num 0 can not be 0")

	gather := TransientGather(io.ErrUnexpectedEOF, "all gather moe load")
	assert.Assert(t, IsTransientGather(gather))
	assert.Assert(t, !Fatal(gather))
	assert.Assert(t, errors.Is(gather, io.ErrUnexpectedEOF))

	assert.Assert(t, IsProtocolViolation(ProtocolViolationf("short batch")))
	assert.Assert(t, IsProcessLifecycle(ProcessLifecycle(nil, "join timeout")))
	assert.Equal(t, KindOf(io.EOF), KindUnknown)
	assert.Equal(t, Kind(42).String(), "unknown")
}
