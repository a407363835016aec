// Package worker computes rebalance plans off the inference path.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/metrics"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/migration"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/placement"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/snapshot"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/utils"
)

type Options struct {
	Rank        int
	Redundancy  int
	Experts     int
	Parallelism int
	Policy      migration.Log2PhyPolicy
	Seed        int64
}

// PlanFunc turns a snapshot into a batch of layer plans.
type PlanFunc func(ctx context.Context, snap snapshot.Snapshot) (*migration.Batch, error)

type Option func(w *Worker)

func WithPlanFunc(f PlanFunc) Option {
	return func(w *Worker) {
		w.plan = f
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

type Worker struct {
	logName string
	opts    Options
	store   *snapshot.Store
	planner *migration.Planner
	plan    PlanFunc
	metrics *metrics.Metrics

	wake     chan bool
	results  chan *migration.Batch
	quit     chan bool
	finished chan bool
	ctx      context.Context
	cancel   context.CancelFunc

	state        utils.DroppableStateHolder
	mu           sync.Mutex
	err          error
	imbalance    []placement.LayerImbalance
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(store *snapshot.Store, opts Options, wopts ...Option) *Worker {
	output := &Worker{
		logName:  fmt.Sprintf("[worker rank %d]", opts.Rank),
		opts:     opts,
		store:    store,
		planner:  migration.NewPlanner(opts.Policy, opts.Seed),
		wake:     make(chan bool, 1),
		results:  make(chan *migration.Batch, 1),
		quit:     make(chan bool),
		finished: make(chan bool),
	}
	output.plan = output.planSnapshot
	output.ctx, output.cancel = context.WithCancel(context.Background())
	for _, opt := range wopts {
		opt(output)
	}
	return output
}

func (w *Worker) Start() {
	w.state.Set(utils.StateNormal)
	go w.loop()
}

// Wake asks for a new plan. It never blocks; a wake arriving while another is
// pending is merged into it. It returns false once the worker is dropped.
func (w *Worker) Wake() bool {
	if w.state.Get() != utils.StateNormal {
		return false
	}
	select {
	case w.wake <- true:
		logging.Verbose(1, "%s wake has notified", w.logName)
	default:
		logging.Verbose(1, "%s has pending wake, skip new one", w.logName)
	}
	return true
}

func (w *Worker) Results() <-chan *migration.Batch {
	return w.results
}

func (w *Worker) State() utils.DroppableState {
	return w.state.Get()
}

// Err is the error that dropped the worker, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) LastImbalance() []placement.LayerImbalance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.imbalance
}

func (w *Worker) loop() {
	defer close(w.finished)
	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		}

		batch, err := w.runCycle()
		dropped := err != nil && errs.IsProcessLifecycle(err)
		if dropped {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.state.Set(utils.StateDropped)
		}
		select {
		case w.results <- batch:
		case <-w.quit:
			return
		}
		if dropped {
			logging.Error("%s stop planning after lifecycle error: %v", w.logName, err)
			return
		}
	}
}

func (w *Worker) runCycle() (batch *migration.Batch, err error) {
	snap := w.store.Latest()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errs.ProcessLifecycle(fmt.Errorf("%v", r), "%s planning panicked", w.logName)
			batch = migration.FailedBatch(snap.Version, err)
		}
		if w.metrics != nil {
			w.metrics.PlanDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				w.metrics.PlanErrors.WithLabelValues(errs.KindOf(err).String()).Inc()
			}
		}
	}()

	batch, err = w.plan(w.ctx, snap)
	if err != nil {
		logging.Error("%s plan snapshot %d failed: %v", w.logName, snap.Version, err)
		return migration.FailedBatch(snap.Version, err), err
	}
	logging.Info("%s planned snapshot %d, %d experts to move", w.logName, snap.Version, batch.MovedExperts())
	return batch, nil
}

func (w *Worker) planSnapshot(ctx context.Context, snap snapshot.Snapshot) (*migration.Batch, error) {
	if snap.MoeLoad == nil || snap.ExpertMaps == nil {
		return nil, errs.Configurationf("snapshot %d has no workload or expert map", snap.Version)
	}
	result, err := placement.Plan(ctx, snap.MoeLoad, placement.Options{
		Devices:     snap.ExpertMaps.Devices(),
		Redundancy:  w.opts.Redundancy,
		Experts:     w.opts.Experts,
		Parallelism: w.opts.Parallelism,
		Current:     snap.ExpertMaps.Deployment(),
	})
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.imbalance = result.Imbalance
	w.mu.Unlock()
	if w.metrics != nil {
		for _, imb := range result.Imbalance {
			w.metrics.SetImbalance(imb.Layer, imb.Baseline, imb.Balanced)
		}
	}
	baseline, balanced := placement.AverageImbalance(result.Imbalance)
	logging.Info("%s average imbalance %.4f -> %.4f", w.logName, baseline, balanced)

	plans, err := w.planner.PlanAll(snap.ExpertMaps, result.Deployment)
	if err != nil {
		return nil, err
	}
	return migration.Pack(snap.Version, plans), nil
}

// Shutdown stops the loop and waits up to timeout for it. Calling it more
// than once returns the first result.
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.shutdownOnce.Do(func() {
		logging.Info("%s notify worker to stop", w.logName)
		close(w.quit)
		w.cancel()
		if w.state.Get() == utils.StateInitializing {
			w.state.Set(utils.StateDropped)
			return
		}
		w.state.Cas(utils.StateNormal, utils.StateDropping)
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-w.finished:
			logging.Info("%s worker stopped", w.logName)
		case <-t.C:
			w.shutdownErr = errs.ProcessLifecycle(nil, "%s didn't stop in %v", w.logName, timeout)
		}
		w.state.Set(utils.StateDropped)
	})
	return w.shutdownErr
}
