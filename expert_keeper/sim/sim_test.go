package sim

import (
	"context"
	"testing"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/config"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/mapstore"
	"gotest.tools/assert"
)

func testConfig(transport string) *config.Config {
	c := config.Default()
	c.Updator.NumMoeLayers = 2
	c.Updator.NumExperts = 8
	c.Updator.FirstDenseLayers = 1
	c.Updator.NumIterations = 3
	c.Updator.NumWaitWorkerIterations = 1
	c.Updator.BufferTensorNum = 16
	c.Updator.Log2PhyPolicy = "first"
	c.Updator.TransferTimeout = 5 * time.Second
	c.Updator.ShutdownTimeout = 5 * time.Second
	c.Sim.WorldSize = 2
	c.Sim.StepInterval = time.Millisecond
	c.Sim.TokensPerStep = 16
	c.Sim.HotRatio = 0.9
	c.Sim.Transport = transport
	c.Sim.GrpcBasePort = 0
	return c
}

func runUntilApplied(t *testing.T, s *Sim) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	deadline := time.Now().Add(20 * time.Second)
	for {
		applied := 0
		for _, u := range s.Ranks() {
			if u.Status().AppliedCycles >= 1 {
				applied++
			}
		}
		if applied == len(s.Ranks()) {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatalf("only %d ranks applied a cycle", applied)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	assert.NilError(t, <-done)
}

func checkConsistent(t *testing.T, s *Sim) {
	for r, weights := range s.Adaptors() {
		assert.NilError(t, weights.VerifyWeights(), "rank %d", r)
	}
	ranks := s.Ranks()
	expect := ranks[0].ExpertMaps()
	assert.NilError(t, expect.Validate())
	for _, u := range ranks[1:] {
		assert.DeepEqual(t, u.ExpertMaps().Deployment(), expect.Deployment())
	}
	for r, weights := range s.Adaptors() {
		for l := 0; l < expect.Layers(); l++ {
			assert.Assert(t, weights.ExpertMap(l).Equal(expect[l][r]), "rank %d layer %d", r, l)
		}
	}
}

func TestLocalRebalance(t *testing.T) {
	cfg := testConfig(config.TransportLocal)
	cfg.Updator.PersistExpertMap = true
	store := mapstore.NewMemStore()

	s, err := New(context.Background(), cfg, store, nil)
	assert.NilError(t, err)
	runUntilApplied(t, s)
	checkConsistent(t, s)
	assert.Equal(t, store.Saves(), 1)

	// a restarted group picks the persisted map up
	cfg.Sim.Steps = 2
	restarted, err := New(context.Background(), cfg, store, nil)
	assert.NilError(t, err)
	assert.NilError(t, restarted.Run(context.Background()))
	for _, weights := range restarted.Adaptors() {
		assert.NilError(t, weights.VerifyWeights())
	}
}

func TestGrpcRebalance(t *testing.T) {
	s, err := New(context.Background(), testConfig(config.TransportGrpc), nil, nil)
	assert.NilError(t, err)
	runUntilApplied(t, s)
	checkConsistent(t, s)
}

func TestNewRejectsWorldMismatch(t *testing.T) {
	cfg := testConfig(config.TransportLocal)
	store := mapstore.NewMemStore()
	assert.NilError(t, store.Save(context.Background(), [][][]int{
		{{0, 1, 2, 3, 4, 5, 6, 7}},
		{{0, 1, 2, 3, 4, 5, 6, 7}},
	}))
	_, err := New(context.Background(), cfg, store, nil)
	assert.ErrorContains(t, err, "world size")
}

func TestRouter(t *testing.T) {
	cfg := testConfig(config.TransportLocal).Sim
	cfg.TopK = 3
	cfg.HotExperts = 2
	cfg.HotRatio = 1
	r := newRouter(&cfg, 8, 7)

	hot := 0
	for i := 0; i < 1000; i++ {
		experts := r.route(1)
		assert.Equal(t, len(experts), 3)
		seen := map[int]bool{}
		for _, e := range experts {
			assert.Assert(t, e >= 0 && e < 8)
			assert.Assert(t, !seen[e], "duplicated expert %d", e)
			seen[e] = true
		}
		// layer 1 rotates the hot set to experts 2 and 3
		if seen[2] && seen[3] {
			hot++
		}
	}
	assert.Equal(t, hot, 1000)
}
