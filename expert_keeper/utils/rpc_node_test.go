package utils

import (
	"testing"

	"gotest.tools/assert"
)

func TestFromHostPort(t *testing.T) {
	node := FromHostPort("10.0.0.1:30200")
	assert.Equal(t, node.NodeName, "10.0.0.1")
	assert.Equal(t, node.Port, int32(30200))
	assert.Equal(t, node.String(), "10.0.0.1:30200")
	assert.Assert(t, node.Equals(&RpcNode{NodeName: "10.0.0.1", Port: 30200}))

	assert.Assert(t, FromHostPort("10.0.0.1") == nil)
	assert.Assert(t, FromHostPort("10.0.0.1:port") == nil)
	assert.Assert(t, FromHostPort("10.0.0.1:70000") == nil)

	nodes, err := FromHostPorts([]string{"a:1", "b:2"})
	assert.NilError(t, err)
	assert.Equal(t, len(nodes), 2)
	_, err = FromHostPorts([]string{"a:1", "b"})
	assert.ErrorContains(t, err, "invalid host:port")
}

func TestStrlistFlag(t *testing.T) {
	var f StrlistFlag
	assert.NilError(t, f.Set("127.0.0.1:2181, 127.0.0.2:2181,"))
	assert.DeepEqual(t, []string(f), []string{"127.0.0.1:2181", "127.0.0.2:2181"})
	assert.ErrorContains(t, f.Set("x"), "already set")
}
