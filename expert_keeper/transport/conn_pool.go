package transport

import (
	"sync"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/utils"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnPool keeps one client connection per peer; a connection whose call
// failed is closed and dialed again on next use.
type ConnPool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

func NewConnPool(opts ...grpc.DialOption) *ConnPool {
	return &ConnPool{
		conns: make(map[string]*grpc.ClientConn),
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
	}
}

func (rc *ConnPool) Get(node *utils.RpcNode) (*grpc.ClientConn, error) {
	ipPort := node.String()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if res, ok := rc.conns[ipPort]; ok {
		return res, nil
	}
	conn, err := grpc.NewClient(ipPort, rc.opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "create rpc connection to %s", ipPort)
	}
	logging.Info("create a new rpc connection to %s succeed", ipPort)
	rc.conns[ipPort] = conn
	return conn, nil
}

func (rc *ConnPool) Remove(node *utils.RpcNode, conn *grpc.ClientConn) {
	ipPort := node.String()
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if cur, ok := rc.conns[ipPort]; !ok {
		return
	} else if cur == conn {
		delete(rc.conns, ipPort)
	} else {
		logging.Info("skip to close connection %s as the conn instance changed", ipPort)
	}
}

func (rc *ConnPool) Run(node *utils.RpcNode, h func(conn *grpc.ClientConn) error) error {
	conn, err := rc.Get(node)
	if err != nil {
		return err
	}
	err = h(conn)
	if err != nil && shouldReconnect(err) {
		logging.Info("rpc to %s got error %s, close the connection", node.String(), err.Error())
		if err2 := conn.Close(); err2 != nil {
			logging.Error("close connection %s failed: %s", node.String(), err2.Error())
		}
		rc.Remove(node, conn)
	}
	return err
}

func (rc *ConnPool) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for ipPort, conn := range rc.conns {
		if err := conn.Close(); err != nil {
			logging.Warning("close connection %s failed: %s", ipPort, err.Error())
		}
	}
	rc.conns = make(map[string]*grpc.ClientConn)
}
