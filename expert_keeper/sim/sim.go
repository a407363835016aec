// Package sim runs a group of in-process ranks that route synthetic tokens to
// their experts and rebalance with one updator each.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/adaptor"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/config"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/mapstore"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/metrics"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/placement"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/snapshot"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/transport"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/updator"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/utils"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/workload"
	"golang.org/x/sync/errgroup"
)

const kGrpcStopTimeout = 5 * time.Second

type rank struct {
	weights *adaptor.MemoryAdaptor
	updator *updator.Updator
	router  *router
}

type Sim struct {
	cfg     *config.Config
	ranks   []*rank
	grpc    []*transport.GrpcPeer
	stopped sync.Once
}

// New builds every rank of cfg.Sim.WorldSize. The initial deployment comes
// from store when it holds one, otherwise experts are spread evenly.
func New(ctx context.Context, cfg *config.Config, store mapstore.Store, m *metrics.Metrics) (*Sim, error) {
	world := cfg.Sim.WorldSize
	deployment, err := initialDeployment(ctx, cfg, store)
	if err != nil {
		return nil, err
	}
	initial, err := expertmap.FromDeployment(deployment, cfg.Updator.NumExperts)
	if err != nil {
		return nil, err
	}
	if initial.Devices() != world {
		return nil, errs.Configurationf("initial expert map has %d devices, world size %d", initial.Devices(), world)
	}
	kinds, err := adaptor.ParseWeightKinds(cfg.Updator.WeightKinds)
	if err != nil {
		return nil, err
	}

	output := &Sim{cfg: cfg}
	comms, err := output.buildTransport(world)
	if err != nil {
		return nil, err
	}
	for r := 0; r < world; r++ {
		weights, err := adaptor.NewMemoryAdaptor(r, initial, adaptor.MemoryOptions{
			FirstDenseLayers: cfg.Updator.FirstDenseLayers,
			Kinds:            kinds,
			BufferTensorNum:  cfg.Updator.BufferTensorNum,
		})
		if err != nil {
			output.stopTransport()
			return nil, err
		}
		uopts := []updator.Option{}
		if store != nil {
			uopts = append(uopts, updator.WithMapStore(store))
		}
		if m != nil {
			uopts = append(uopts, updator.WithMetrics(m))
		}
		u, err := updator.New(weights, comms[r], snapshot.NewStore(), cfg.Updator, uopts...)
		if err != nil {
			output.stopTransport()
			return nil, err
		}
		output.ranks = append(output.ranks, &rank{
			weights: weights,
			updator: u,
			router:  newRouter(&cfg.Sim, cfg.Updator.NumExperts, cfg.Sim.Seed+int64(r)),
		})
	}
	return output, nil
}

func initialDeployment(ctx context.Context, cfg *config.Config, store mapstore.Store) (placement.Deployment, error) {
	if store != nil {
		deployment, exists, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if exists {
			logging.Info("[sim] start from the persisted expert map")
			return deployment, nil
		}
	}
	uniform := make([][]float64, cfg.Updator.NumMoeLayers)
	for l := range uniform {
		uniform[l] = make([]float64, cfg.Updator.NumExperts)
		for e := range uniform[l] {
			uniform[l][e] = 1
		}
	}
	w, err := workload.FromLayerExpert(uniform)
	if err != nil {
		return nil, err
	}
	result, err := placement.Plan(ctx, w, placement.Options{
		Devices:     cfg.Sim.WorldSize,
		Redundancy:  cfg.Updator.NumRedundancyExperts,
		Experts:     cfg.Updator.NumExperts,
		Parallelism: cfg.Updator.PlanParallelism,
	})
	if err != nil {
		return nil, err
	}
	return result.Deployment, nil
}

func (s *Sim) buildTransport(world int) ([]transport.Collective, error) {
	output := make([]transport.Collective, world)
	if s.cfg.Sim.Transport != config.TransportGrpc {
		group := transport.NewLocalGroup(world)
		for r := 0; r < world; r++ {
			output[r] = group.Peer(r)
		}
		return output, nil
	}

	listeners := make([]net.Listener, world)
	nodes := make([]*utils.RpcNode, world)
	closeAll := func() {
		for _, lis := range listeners {
			if lis != nil {
				lis.Close()
			}
		}
	}
	for r := 0; r < world; r++ {
		addr := "127.0.0.1:0"
		if s.cfg.Sim.GrpcBasePort > 0 {
			addr = fmt.Sprintf("127.0.0.1:%d", s.cfg.Sim.GrpcBasePort+r)
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			closeAll()
			return nil, errs.Configurationf("rank %d listen on %s: %v", r, addr, err)
		}
		listeners[r] = lis
		nodes[r] = utils.FromHostPort(lis.Addr().String())
	}
	for r := 0; r < world; r++ {
		peer, err := transport.NewGrpcPeer(r, nodes, listeners[r])
		if err != nil {
			s.stopTransport()
			closeAll()
			return nil, err
		}
		peer.Start()
		s.grpc = append(s.grpc, peer)
		output[r] = peer
	}
	return output, nil
}

func (s *Sim) stopTransport() {
	s.stopped.Do(func() {
		for _, peer := range s.grpc {
			peer.Stop(kGrpcStopTimeout)
		}
	})
}

// Ranks returns the updators in rank order.
func (s *Sim) Ranks() []*updator.Updator {
	output := make([]*updator.Updator, len(s.ranks))
	for i, r := range s.ranks {
		output[i] = r.updator
	}
	return output
}

func (s *Sim) Adaptors() []*adaptor.MemoryAdaptor {
	output := make([]*adaptor.MemoryAdaptor, len(s.ranks))
	for i, r := range s.ranks {
		output[i] = r.weights
	}
	return output
}

// Run warms every rank up and steps them until ctx is done or each rank has
// run cfg.Sim.Steps steps. Ranks step independently, as serving processes
// would. Updators and transport are shut down before Run returns.
func (s *Sim) Run(ctx context.Context) error {
	defer s.stopTransport()
	defer s.shutdown()

	warm, wctx := errgroup.WithContext(ctx)
	for _, r := range s.ranks {
		r := r
		warm.Go(func() error {
			return r.updator.WarmUp(wctx)
		})
	}
	if err := warm.Wait(); err != nil {
		return err
	}
	logging.Info("[sim] %d ranks warmed up, transport %s", len(s.ranks), s.cfg.Sim.Transport)

	g := errgroup.Group{}
	for _, r := range s.ranks {
		r := r
		g.Go(func() error {
			return s.loop(ctx, r)
		})
	}
	return g.Wait()
}

func (s *Sim) loop(ctx context.Context, r *rank) error {
	for step := 0; s.cfg.Sim.Steps == 0 || step < s.cfg.Sim.Steps; step++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.updator.Step(ctx, func() error {
			r.forward()
			return nil
		}); err != nil {
			return err
		}
		if s.cfg.Sim.StepInterval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.Sim.StepInterval):
			}
		}
	}
	return nil
}

func (r *rank) forward() {
	for l := 0; l < r.weights.NumMoeLayers(); l++ {
		for t := 0; t < r.router.tokens; t++ {
			r.weights.RecordRouting(l, r.router.route(l))
		}
	}
}

func (s *Sim) shutdown() {
	for _, r := range s.ranks {
		if err := r.updator.Shutdown(); err != nil {
			logging.Warning("[sim] rank %d shutdown: %v", r.updator.Rank(), err)
		}
	}
}

// router picks topK distinct experts per token. A share of the picks goes to
// a small hot set that differs from layer to layer.
type router struct {
	rng      *rand.Rand
	experts  int
	topK     int
	tokens   int
	hot      int
	hotRatio float64
}

func newRouter(cfg *config.SimConfig, experts int, seed int64) *router {
	return &router{
		rng:      rand.New(rand.NewSource(seed)),
		experts:  experts,
		topK:     cfg.TopK,
		tokens:   cfg.TokensPerStep,
		hot:      cfg.HotExperts,
		hotRatio: cfg.HotRatio,
	}
}

func (r *router) route(layer int) []int {
	output := make([]int, 0, r.topK)
	chosen := func(e int) bool {
		for _, c := range output {
			if c == e {
				return true
			}
		}
		return false
	}
	for len(output) < r.topK {
		if r.hot > 0 && r.rng.Float64() < r.hotRatio {
			e := (layer*r.hot + r.rng.Intn(r.hot)) % r.experts
			if !chosen(e) {
				output = append(output, e)
				continue
			}
		}
		e := r.rng.Intn(r.experts)
		if !chosen(e) {
			output = append(output, e)
		}
	}
	return output
}
