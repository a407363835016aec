package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// RpcNode addresses one rank's transfer endpoint.
type RpcNode struct {
	NodeName string `json:"node_name"`
	Port     int32  `json:"port"`
}

// TODO(transport): handle ipv6 literals such as [::1]:8080
func FromHostPort(hostPort string) *RpcNode {
	lastColon := strings.LastIndex(hostPort, ":")
	if lastColon == -1 {
		return nil
	}
	p, err := strconv.Atoi(hostPort[lastColon+1:])
	if err != nil || p < 0 || p > 65535 {
		return nil
	}
	return &RpcNode{
		NodeName: hostPort[0:lastColon],
		Port:     int32(p),
	}
}

func FromHostPorts(hostPorts []string) ([]*RpcNode, error) {
	var output []*RpcNode
	for _, hp := range hostPorts {
		node := FromHostPort(hp)
		if node == nil {
			return nil, fmt.Errorf("invalid host:port %q", hp)
		}
		output = append(output, node)
	}
	return output, nil
}

func (r *RpcNode) String() string {
	return fmt.Sprintf("%s:%d", r.NodeName, r.Port)
}

func (r *RpcNode) Equals(another *RpcNode) bool {
	return r.Port == another.Port && r.NodeName == another.NodeName
}
