package updator

import (
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/adaptor"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/migration"
)

const (
	DefaultNumIterations           = 130
	DefaultNumWaitWorkerIterations = 10
	DefaultShutdownTimeout         = 10 * time.Second
	DefaultTransferTimeout         = 30 * time.Second
)

type Options struct {
	// NumIterations is the cadence, in steps, of rebalance triggers.
	NumIterations int `yaml:"num_iterations"`

	// NumWaitWorkerIterations is how many steps to let the worker plan before
	// looking for its result.
	NumWaitWorkerIterations int `yaml:"num_wait_worker_iterations"`

	// Gate triggers only once, at step NumIterations, instead of periodically.
	Gate bool `yaml:"gate"`

	// Eager triggers at every idle step.
	Eager bool `yaml:"eager"`

	NumRedundancyExperts int           `yaml:"num_redundancy_experts"`
	BufferTensorNum      int           `yaml:"buffer_tensor_num"`
	FirstDenseLayers     int           `yaml:"first_dense_layers"`
	NumMoeLayers         int           `yaml:"num_moe_layers"`
	NumExperts           int           `yaml:"num_experts"`
	Log2PhyPolicy        string        `yaml:"log2phy_policy"`
	WeightKinds          []string      `yaml:"weight_kinds,omitempty"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`

	// TransferTimeout bounds the wait for one layer's transfers.
	TransferTimeout time.Duration `yaml:"transfer_timeout"`

	PersistExpertMap bool  `yaml:"persist_expert_map"`
	PlanParallelism  int   `yaml:"plan_parallelism"`
	Seed             int64 `yaml:"seed"`
}

func DefaultOptions() Options {
	return Options{
		NumIterations:           DefaultNumIterations,
		NumWaitWorkerIterations: DefaultNumWaitWorkerIterations,
		Gate:                    true,
		BufferTensorNum:         adaptor.DefaultBufferTensorNum,
		Log2PhyPolicy:           migration.PolicyRandom.String(),
		ShutdownTimeout:         DefaultShutdownTimeout,
		TransferTimeout:         DefaultTransferTimeout,
	}
}

func (o *Options) Validate() error {
	if o.NumIterations <= 0 {
		return errs.Configurationf("num_iterations should be positive, got %d", o.NumIterations)
	}
	if o.NumWaitWorkerIterations < 0 {
		return errs.Configurationf("num_wait_worker_iterations can't be negative, got %d", o.NumWaitWorkerIterations)
	}
	if o.NumMoeLayers <= 0 || o.NumExperts <= 0 {
		return errs.Configurationf("need moe layers and experts, got %d and %d", o.NumMoeLayers, o.NumExperts)
	}
	if o.FirstDenseLayers < 0 {
		return errs.Configurationf("first_dense_layers can't be negative, got %d", o.FirstDenseLayers)
	}
	if o.NumRedundancyExperts < 0 {
		return errs.Configurationf("num_redundancy_experts can't be negative, got %d", o.NumRedundancyExperts)
	}
	if o.BufferTensorNum <= 0 {
		return errs.Configurationf("buffer_tensor_num should be positive, got %d", o.BufferTensorNum)
	}
	if o.ShutdownTimeout <= 0 {
		return errs.Configurationf("shutdown_timeout should be positive, got %v", o.ShutdownTimeout)
	}
	if o.TransferTimeout <= 0 {
		return errs.Configurationf("transfer_timeout should be positive, got %v", o.TransferTimeout)
	}
	if _, err := migration.ParsePolicy(o.Log2PhyPolicy); err != nil {
		return err
	}
	if _, err := adaptor.ParseWeightKinds(o.WeightKinds); err != nil {
		return err
	}
	return nil
}

func (o *Options) cadence() int {
	if o.Eager {
		return 1
	}
	return o.NumIterations
}
