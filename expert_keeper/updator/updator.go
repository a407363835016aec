// Package updator drives expert rebalancing from the serving loop. It is
// called twice per forward step and never blocks on planning: the worker plans
// in the background, and the resulting layer plans are applied one layer per
// step.
package updator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/adaptor"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/loader"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/mapstore"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/metrics"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/migration"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/snapshot"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/transport"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/worker"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/workload"
)

type State int

const (
	StateIdle State = iota
	StateAwaitingPlan
	StateApplying
)

var stateNames = []string{"idle", "awaiting_plan", "applying"}

func (s State) String() string {
	if s < StateIdle || s > StateApplying {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Status struct {
	Rank                 int    `json:"rank"`
	State                State  `json:"state"`
	Cursor               int    `json:"cursor"`
	CurIterations        int    `json:"cur_iterations"`
	WaitWorkerIterations int    `json:"wait_worker_iterations"`
	UpdateInFlight       bool   `json:"update_in_flight"`
	WeightLoading        bool   `json:"weight_loading"`
	Disabled             bool   `json:"disabled"`
	SnapshotVersion      uint64 `json:"snapshot_version"`
	PlanVersion          uint64 `json:"plan_version"`
	AppliedCycles        int    `json:"applied_cycles"`
	AbortedCycles        int    `json:"aborted_cycles"`
	WorkerState          string `json:"worker_state"`
}

type Option func(u *Updator)

// WithMapStore loads the initial expert map from store, and saves every
// completed cycle to it when persist_expert_map is on.
func WithMapStore(store mapstore.Store) Option {
	return func(u *Updator) {
		u.mapStore = store
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Updator) {
		u.metrics = m
	}
}

// WithWorkerOptions is passed through to the planning worker.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(u *Updator) {
		u.workerOpts = append(u.workerOpts, opts...)
	}
}

type Updator struct {
	logName    string
	opts       Options
	rank       int
	adaptor    adaptor.WeightAdaptor
	comm       transport.Collective
	store      *snapshot.Store
	mapStore   mapstore.Store
	metrics    *metrics.Metrics
	workerOpts []worker.Option
	worker     *worker.Worker
	loader     *loader.Loader
	pool       *adaptor.BufferPool

	// owned by the serving goroutine
	state                State
	cursor               int
	curIterations        int
	waitWorkerIterations int
	updateInFlight       bool
	weightLoading        bool
	finishing            bool
	pending              *migration.PlanQueue
	applying             *migration.LayerPlan
	planVersion          uint64
	reqs                 []transport.Request
	maps                 expertmap.GlobalMap
	warmedUp             bool

	disabled     atomic.Bool
	forceTrigger atomic.Bool

	mu     sync.Mutex
	status Status
	load   *workload.Matrix

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(
	weights adaptor.WeightAdaptor,
	comm transport.Collective,
	store *snapshot.Store,
	opts Options,
	uopts ...Option,
) (*Updator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if weights.NumMoeLayers() != opts.NumMoeLayers {
		return nil, errs.Configurationf(
			"adaptor has %d moe layers, configured %d", weights.NumMoeLayers(), opts.NumMoeLayers)
	}
	policy, _ := migration.ParsePolicy(opts.Log2PhyPolicy)
	kinds, _ := adaptor.ParseWeightKinds(opts.WeightKinds)

	output := &Updator{
		logName: fmt.Sprintf("[updator rank %d]", comm.Rank()),
		opts:    opts,
		rank:    comm.Rank(),
		adaptor: weights,
		comm:    comm,
		store:   store,
		pool:    adaptor.NewBufferPool(opts.BufferTensorNum),
		pending: migration.MakeQueue(),
	}
	for _, opt := range uopts {
		opt(output)
	}
	if output.mapStore != nil && opts.PersistExpertMap && output.rank == 0 {
		store.WithPersistence(output.mapStore)
	}
	output.loader = loader.New(comm, weights, output.pool, kinds)

	wopts := []worker.Option{}
	if output.metrics != nil {
		wopts = append(wopts, worker.WithMetrics(output.metrics))
	}
	wopts = append(wopts, output.workerOpts...)
	output.worker = worker.New(store, worker.Options{
		Rank:        output.rank,
		Redundancy:  opts.NumRedundancyExperts,
		Experts:     opts.NumExperts,
		Parallelism: opts.PlanParallelism,
		Policy:      policy,
		Seed:        opts.Seed + int64(output.rank),
	}, wopts...)
	if output.metrics != nil {
		output.metrics.SetState(output.rank, StateIdle.String(), stateNames)
	}
	output.refreshStatus()
	return output, nil
}

func (u *Updator) Rank() int {
	return u.rank
}

// WarmUp publishes the initial expert map and load, exercises every p2p link
// once and starts the worker. Every rank of the group must call it.
func (u *Updator) WarmUp(ctx context.Context) error {
	if u.warmedUp {
		return errs.ProtocolViolationf("%s warm up twice", u.logName)
	}
	maps, err := u.initialMaps(ctx)
	if err != nil {
		return err
	}
	if maps.Devices() != u.comm.WorldSize() {
		return errs.Configurationf(
			"%s expert map has %d devices, world size %d", u.logName, maps.Devices(), u.comm.WorldSize())
	}
	u.maps = maps
	u.store.PublishExpertMaps(maps)
	logging.Info("%s initial expert map published: %d layers, %d devices, %d experts",
		u.logName, maps.Layers(), maps.Devices(), maps.Experts())

	if _, err := u.gatherLoad(ctx); err != nil {
		logging.Warning("%s initial load gather failed: %v", u.logName, err)
	}
	if err := transport.WarmUp(ctx, u.comm); err != nil {
		return errs.TransientGather(err, "%s warm up links", u.logName)
	}
	if err := u.comm.Barrier(ctx); err != nil {
		return errs.TransientGather(err, "%s warm up barrier", u.logName)
	}
	u.worker.Start()
	u.warmedUp = true
	u.refreshStatus()
	logging.Info("%s warmed up", u.logName)
	return nil
}

func (u *Updator) initialMaps(ctx context.Context) (expertmap.GlobalMap, error) {
	local, err := u.adaptor.InitExpertMap(u.opts.NumMoeLayers)
	if err != nil {
		return nil, err
	}
	if len(local) != u.opts.NumMoeLayers {
		return nil, errs.Configurationf("%s adaptor reports %d layers, expect %d", u.logName, len(local), u.opts.NumMoeLayers)
	}
	for l, row := range local {
		if len(row) != u.opts.NumExperts {
			return nil, errs.Configurationf(
				"%s layer %d local map has %d experts, expect %d", u.logName, l, len(row), u.opts.NumExperts)
		}
	}

	if u.mapStore != nil {
		deployment, exists, err := u.mapStore.Load(ctx)
		if err != nil {
			return nil, err
		}
		if exists {
			return u.mapsFromDeployment(deployment, local)
		}
		logging.Info("%s no persisted expert map, gather from ranks", u.logName)
	}

	flat := make([]int32, 0, len(local)*u.opts.NumExperts)
	for _, row := range local {
		flat = append(flat, row...)
	}
	gathered, err := u.comm.AllGatherInt32(ctx, flat)
	if err != nil {
		return nil, errs.TransientGather(err, "%s gather initial expert map", u.logName)
	}
	ranks := make([][][]int32, len(gathered))
	for r, data := range gathered {
		if len(data) != len(flat) {
			return nil, errs.ProtocolViolationf("%s rank %d sent %d map entries, expect %d", u.logName, r, len(data), len(flat))
		}
		for l := 0; l < u.opts.NumMoeLayers; l++ {
			ranks[r] = append(ranks[r], data[l*u.opts.NumExperts:(l+1)*u.opts.NumExperts])
		}
	}
	return expertmap.FromRankMaps(ranks)
}

func (u *Updator) mapsFromDeployment(deployment [][][]int, local [][]int32) (expertmap.GlobalMap, error) {
	maps, err := expertmap.FromDeployment(deployment, u.opts.NumExperts)
	if err != nil {
		return nil, err
	}
	if maps.Layers() != u.opts.NumMoeLayers {
		return nil, errs.Configurationf("%s persisted map has %d layers, expect %d", u.logName, maps.Layers(), u.opts.NumMoeLayers)
	}
	if u.rank >= maps.Devices() {
		return nil, errs.Configurationf("%s persisted map has only %d devices", u.logName, maps.Devices())
	}
	for l, row := range local {
		if !expertmap.LocalMap(row).Equal(maps[l][u.rank]) {
			return nil, errs.Configurationf(
				"%s layer %d persisted map %v differs from the loaded model %v", u.logName, l, maps[l][u.rank], row)
		}
	}
	return maps, nil
}

func (u *Updator) gatherLoad(ctx context.Context) (*workload.Matrix, error) {
	local, err := u.adaptor.RankWorkload(u.opts.NumMoeLayers)
	if err != nil {
		return nil, errs.TransientGather(err, "%s read rank workload", u.logName)
	}
	load, err := workload.Gather(ctx, u.comm, local)
	if err != nil {
		return nil, err
	}
	u.store.PublishMoeLoad(load)
	u.mu.Lock()
	u.load = load
	u.mu.Unlock()
	return load, nil
}

func (u *Updator) triggered() bool {
	if u.forceTrigger.CompareAndSwap(true, false) {
		logging.Info("%s rebalance forced", u.logName)
		return true
	}
	u.curIterations++
	if u.opts.Gate {
		return u.curIterations == u.opts.cadence()
	}
	return u.curIterations%u.opts.cadence() == 0
}

func (u *Updator) setState(s State) {
	if u.state == s {
		return
	}
	logging.Verbose(1, "%s state %s -> %s", u.logName, u.state, s)
	u.state = s
	if u.metrics != nil {
		u.metrics.SetState(u.rank, s.String(), stateNames)
	}
}

// ForwardBefore runs ahead of a forward step. It picks up a finished plan,
// stages the next layer of the plan being applied, and posts its transfers.
func (u *Updator) ForwardBefore(ctx context.Context) error {
	defer u.refreshStatus()
	u.reqs = nil

	if u.updateInFlight && u.state == StateAwaitingPlan && u.waitWorkerIterations >= u.opts.NumWaitWorkerIterations {
		u.receivePlan()
	}

	if u.state == StateApplying && u.pending.HasPlan() {
		plan := u.pending.Pop()
		err := u.loader.Generate(
			u.planVersion,
			plan.LayerID+u.opts.FirstDenseLayers,
			plan.SendsOf(u.rank),
			plan.RecvsOf(u.rank),
			expertmap.LocalMap(plan.ExpertMap[u.rank]),
			plan.Log2Phy[u.rank],
		)
		if err != nil {
			u.abortCycle(err)
			return err
		}
		u.applying = &plan
		u.cursor++
		if u.cursor == u.opts.NumMoeLayers {
			u.setState(StateIdle)
			u.finishing = true
			u.cursor = 0
			u.weightLoading = false
		}
	}

	reqs, err := u.loader.Issue(ctx, u.reqs)
	u.reqs = reqs
	if err != nil {
		u.abortCycle(err)
		return err
	}
	return nil
}

func (u *Updator) receivePlan() {
	var batch *migration.Batch
	select {
	case batch = <-u.worker.Results():
	default:
		logging.Verbose(1, "%s plan not ready after %d steps", u.logName, u.waitWorkerIterations)
		return
	}
	u.waitWorkerIterations = 0
	plans, err := migration.Unpack(batch, u.opts.NumMoeLayers)
	if err != nil {
		if errs.IsProcessLifecycle(err) {
			u.disable(err)
		}
		u.abortCycle(err)
		return
	}
	u.planVersion = batch.Version
	u.pending = migration.MakeQueue(plans...)
	u.cursor = 0
	u.weightLoading = true
	u.setState(StateApplying)
	logging.Info("%s apply plan of snapshot %d, %d experts to move", u.logName, batch.Version, batch.MovedExperts())
}

// ForwardEnd runs after a forward step. It may trigger a new cycle, then waits
// for the transfers posted by ForwardBefore and installs the layer.
func (u *Updator) ForwardEnd(ctx context.Context) error {
	defer u.refreshStatus()

	if !u.updateInFlight && !u.disabled.Load() && u.triggered() {
		u.startCycle(ctx)
	}
	if u.updateInFlight && u.state == StateAwaitingPlan {
		u.waitWorkerIterations++
	}

	reqs := u.reqs
	u.reqs = nil
	commitCtx, cancel := context.WithTimeout(ctx, u.opts.TransferTimeout)
	defer cancel()
	layer, err := u.loader.Commit(commitCtx, reqs)
	if err != nil {
		u.abortCycle(err)
		return err
	}
	if layer >= 0 && u.applying != nil {
		u.maps[u.applying.LayerID] = u.applying.ExpertMap.Clone()
		if u.metrics != nil {
			u.metrics.MigratedExperts.Add(float64(len(u.applying.RecvsOf(u.rank))))
		}
		u.applying = nil
	}
	if u.finishing {
		u.finishCycle(ctx)
	}
	return nil
}

func (u *Updator) startCycle(ctx context.Context) {
	if _, err := u.gatherLoad(ctx); err != nil {
		logging.Warning("%s skip rebalance: %v", u.logName, err)
		if u.metrics != nil {
			u.metrics.GatherFailures.Inc()
			u.metrics.RebalanceCycles.WithLabelValues(metrics.ResultSkipped).Inc()
		}
		return
	}
	if !u.worker.Wake() {
		err := u.worker.Err()
		if err == nil {
			err = errs.ProcessLifecycle(nil, "worker is %s", u.worker.State())
		}
		u.disable(err)
		return
	}
	u.updateInFlight = true
	u.waitWorkerIterations = 0
	u.weightLoading = false
	u.setState(StateAwaitingPlan)
	logging.Info("%s rebalance triggered at iteration %d", u.logName, u.curIterations)
}

func (u *Updator) finishCycle(ctx context.Context) {
	u.finishing = false
	u.updateInFlight = false
	u.pending.Clear()
	u.store.PublishExpertMaps(u.maps)
	if err := u.store.Persist(ctx); err != nil {
		logging.Warning("%s persist expert map failed: %v", u.logName, err)
	}
	u.mu.Lock()
	u.status.AppliedCycles++
	u.mu.Unlock()
	if u.metrics != nil {
		u.metrics.RebalanceCycles.WithLabelValues(metrics.ResultApplied).Inc()
	}
	logging.Info("%s plan of snapshot %d applied", u.logName, u.planVersion)
}

// abortCycle drops whatever is left of the current cycle. Layers committed so
// far stay in place and become part of the published map.
func (u *Updator) abortCycle(err error) {
	logging.Error("%s abort rebalance cycle: %v", u.logName, err)
	u.pending.Clear()
	u.applying = nil
	u.cursor = 0
	u.updateInFlight = false
	u.weightLoading = false
	u.finishing = false
	u.waitWorkerIterations = 0
	if u.maps != nil {
		u.store.PublishExpertMaps(u.maps)
	}
	u.setState(StateIdle)
	u.mu.Lock()
	u.status.AbortedCycles++
	u.mu.Unlock()
	if u.metrics != nil {
		result := metrics.ResultAborted
		if !errs.Fatal(err) {
			result = metrics.ResultFailed
		}
		u.metrics.RebalanceCycles.WithLabelValues(result).Inc()
	}
}

func (u *Updator) disable(err error) {
	if u.disabled.CompareAndSwap(false, true) {
		logging.Error("%s rebalancing disabled: %v", u.logName, err)
	}
}

// Step runs forward between ForwardBefore and ForwardEnd. A rebalance error
// is logged and does not stop the step; a forward error is returned as is.
func (u *Updator) Step(ctx context.Context, forward func() error) error {
	if err := u.ForwardBefore(ctx); err != nil {
		logging.Warning("%s forward before: %v", u.logName, err)
	}
	if forward != nil {
		if err := forward(); err != nil {
			return err
		}
	}
	if err := u.ForwardEnd(ctx); err != nil {
		logging.Warning("%s forward end: %v", u.logName, err)
	}
	return nil
}

// TriggerRebalance makes the next idle step start a cycle regardless of the
// cadence. The load gather is collective, so every rank must be triggered.
func (u *Updator) TriggerRebalance() {
	u.forceTrigger.Store(true)
}

// GetExpertLoad returns the load of the last successful gather.
func (u *Updator) GetExpertLoad() (*workload.Matrix, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.load == nil {
		return nil, false
	}
	return u.load.Clone(), true
}

// ExpertMaps is the last published global expert map.
func (u *Updator) ExpertMaps() expertmap.GlobalMap {
	return u.store.Latest().ExpertMaps
}

func (u *Updator) Status() Status {
	u.mu.Lock()
	output := u.status
	u.mu.Unlock()
	output.Disabled = u.disabled.Load()
	output.WorkerState = u.worker.State().String()
	return output
}

func (u *Updator) refreshStatus() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status.Rank = u.rank
	u.status.State = u.state
	u.status.Cursor = u.cursor
	u.status.CurIterations = u.curIterations
	u.status.WaitWorkerIterations = u.waitWorkerIterations
	u.status.UpdateInFlight = u.updateInFlight
	u.status.WeightLoading = u.weightLoading
	u.status.SnapshotVersion = u.store.Version()
	u.status.PlanVersion = u.planVersion
}

// Shutdown stops the worker and disables rebalancing. Calling it more than
// once returns the first result.
func (u *Updator) Shutdown() error {
	u.shutdownOnce.Do(func() {
		u.disabled.Store(true)
		u.shutdownErr = u.worker.Shutdown(u.opts.ShutdownTimeout)
		if u.shutdownErr != nil {
			logging.Error("%s shutdown: %v", u.logName, u.shutdownErr)
		} else {
			logging.Info("%s shutdown", u.logName)
		}
	})
	return u.shutdownErr
}
