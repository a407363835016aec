package mapstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/placement"
	"github.com/pkg/errors"
)

const (
	kExpertMapNode = "expert_map"
	kHistoryNode   = "history"
	kHistoryPrefix = "v-"
)

type zooLogAdapter struct{}

func (z *zooLogAdapter) Printf(format string, args ...interface{}) {
	logging.Verbose(1, format, args...)
}

type ZkOptions struct {
	Hosts          []string
	SessionTimeout time.Duration
	Root           string
	// HistoryLimit is how many saved documents are kept under history.
	HistoryLimit  int
	RetryInterval time.Duration
	Scheme        string
	Auth          []byte
	ACL           []zk.ACL
}

// ZkStore saves the committed deployment at <root>/expert_map and appends each
// saved version to <root>/history as a sequential node.
type ZkStore struct {
	opts         ZkOptions
	conn         *zk.Conn
	eventWatcher <-chan zk.Event
	done         chan struct{}
}

var zkShouldRetryErrors = []error{
	zk.ErrUnknown,
	zk.ErrSessionMoved,
	zk.ErrConnectionClosed,
}

func errorContains(expect []error, given error) bool {
	for _, e := range expect {
		if e == given {
			return true
		}
	}
	return false
}

func NewZkStore(opts ZkOptions) (*ZkStore, error) {
	if len(opts.Hosts) == 0 {
		return nil, errs.Configurationf("no zk host")
	}
	if !strings.HasPrefix(opts.Root, "/") || opts.Root == "/" {
		return nil, errs.Configurationf("invalid zk root %q", opts.Root)
	}
	opts.Root = strings.TrimSuffix(opts.Root, "/")
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 10 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 16
	}
	if len(opts.ACL) == 0 {
		opts.ACL = zk.WorldACL(zk.PermAll)
	}

	result := &ZkStore{opts: opts, done: make(chan struct{})}
	var err error
	result.conn, result.eventWatcher, err = zk.Connect(
		opts.Hosts,
		opts.SessionTimeout,
		zk.WithLogger(&zooLogAdapter{}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to zk %v", opts.Hosts)
	}
	go result.watchSessionEvent()

	if len(opts.Auth) > 0 && opts.Scheme != "" {
		if err := result.conn.AddAuth(opts.Scheme, opts.Auth); err != nil {
			result.Close()
			return nil, errors.Wrap(err, "add zk auth")
		}
	}
	return result, nil
}

func (z *ZkStore) watchSessionEvent() {
	defer close(z.done)
	for event := range z.eventWatcher {
		if event.Type != zk.EventSession {
			logging.Verbose(1, "[mapstore] got zk event %v", event.Type)
			continue
		}
		switch event.State {
		case zk.StateConnecting, zk.StateConnected, zk.StateHasSession:
			logging.Info("[mapstore] got zk event %s", event.State.String())
		default:
			logging.Warning("[mapstore] got zk session event %s", event.State.String())
		}
	}
}

// retryAccessZk runs f until it succeeds, fails with an error that can't be
// retried, or ctx is done. Errors listed in expect count as success.
func (z *ZkStore) retryAccessZk(ctx context.Context, f func(conn *zk.Conn) error, expect []error) error {
	tryCount := 1
	for {
		state := z.conn.State()
		switch state {
		case zk.StateExpired:
			return errors.Errorf("zk session has gone: %s", state.String())
		case zk.StateConnected, zk.StateHasSession:
			err := f(z.conn)
			if err == nil || errorContains(expect, err) {
				logging.Verbose(1, "[mapstore] operate zk got %v with %d time(s)", err, tryCount)
				return nil
			}
			if !errorContains(zkShouldRetryErrors, err) {
				return err
			}
			logging.Warning("[mapstore] operate zk got %s with %d time(s), should retry", err.Error(), tryCount)
		default:
			logging.Warning("[mapstore] wait zk %s to recover, has try %d times", state.String(), tryCount)
		}
		tryCount++

		sleepFor := time.NewTimer(z.opts.RetryInterval)
		select {
		case <-ctx.Done():
			sleepFor.Stop()
			return errors.Wrap(ctx.Err(), "give up accessing zk")
		case <-sleepFor.C:
		}
	}
}

func (z *ZkStore) recursiveCreate(ctx context.Context, path string) error {
	prefix := ""
	for _, element := range strings.Split(path, "/") {
		if element == "" {
			continue
		}
		prefix = prefix + "/" + element
		node := prefix
		err := z.retryAccessZk(ctx, func(conn *zk.Conn) error {
			_, err := conn.Create(node, []byte{}, 0, z.opts.ACL)
			return err
		}, []error{zk.ErrNodeExists})
		if err != nil {
			return errors.Wrapf(err, "create %s", node)
		}
	}
	return nil
}

func (z *ZkStore) mapPath() string {
	return fmt.Sprintf("%s/%s", z.opts.Root, kExpertMapNode)
}

func (z *ZkStore) historyPath() string {
	return fmt.Sprintf("%s/%s", z.opts.Root, kHistoryNode)
}

func (z *ZkStore) Load(ctx context.Context) (placement.Deployment, bool, error) {
	var data []byte
	var getErr error
	err := z.retryAccessZk(ctx, func(conn *zk.Conn) error {
		data, _, getErr = conn.Get(z.mapPath())
		return getErr
	}, []error{zk.ErrNoNode})
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s", z.mapPath())
	}
	if getErr == zk.ErrNoNode {
		return nil, false, nil
	}
	d, err := Decode(data)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (z *ZkStore) Save(ctx context.Context, d placement.Deployment) error {
	data, err := Encode(d)
	if err != nil {
		return err
	}
	if err := z.recursiveCreate(ctx, z.historyPath()); err != nil {
		return err
	}

	err = z.retryAccessZk(ctx, func(conn *zk.Conn) error {
		_, err := conn.Create(z.historyPath()+"/"+kHistoryPrefix, data, zk.FlagSequence, z.opts.ACL)
		return err
	}, nil)
	if err != nil {
		return errors.Wrap(err, "append expert map history")
	}

	err = z.retryAccessZk(ctx, func(conn *zk.Conn) error {
		_, err := conn.Set(z.mapPath(), data, -1)
		if err == zk.ErrNoNode {
			_, err = conn.Create(z.mapPath(), data, 0, z.opts.ACL)
		}
		return err
	}, nil)
	if err != nil {
		return errors.Wrapf(err, "write %s", z.mapPath())
	}
	logging.Info("[mapstore] saved %d layers to zk %s", len(d), z.mapPath())
	return z.pruneHistory(ctx)
}

// History lists saved versions, oldest first.
func (z *ZkStore) History(ctx context.Context) ([]string, error) {
	var children []string
	err := z.retryAccessZk(ctx, func(conn *zk.Conn) error {
		var err error
		children, _, err = conn.Children(z.historyPath())
		return err
	}, []error{zk.ErrNoNode})
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	return children, nil
}

func (z *ZkStore) pruneHistory(ctx context.Context) error {
	children, err := z.History(ctx)
	if err != nil {
		return err
	}
	for len(children) > z.opts.HistoryLimit {
		node := z.historyPath() + "/" + children[0]
		err := z.retryAccessZk(ctx, func(conn *zk.Conn) error {
			return conn.Delete(node, -1)
		}, []error{zk.ErrNoNode})
		if err != nil {
			return errors.Wrapf(err, "delete %s", node)
		}
		children = children[1:]
	}
	return nil
}

func (z *ZkStore) Close() {
	z.conn.Close()
	select {
	case <-z.done:
	case <-time.After(z.opts.SessionTimeout):
		logging.Warning("[mapstore] zk event channel not closed after %v", z.opts.SessionTimeout)
	}
}
