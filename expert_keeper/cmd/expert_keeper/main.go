package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/config"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/mapstore"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/metrics"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/server"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/sim"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/utils"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/version"
)

// Every flag below except config and print_config overrides the config key
// of the same name when it is set on the command line.
var (
	flagConfig      = flag.String("config", "", "yaml config file, defaults are used if empty")
	flagPrintConfig = flag.Bool("print_config", false, "print the merged config and exit")

	_ = flag.Int("http_port", 0, "admin http port")
	_ = flag.Int("debug_port", 0, "health, pprof and metrics port")

	_ = flag.Int("num_iterations", 0, "forward steps between two rebalance cycles")
	_ = flag.Int("num_wait_worker_iterations", 0, "steps to wait for the planner before polling")
	_ = flag.Bool("gate", true, "run only one rebalance cycle")
	_ = flag.Bool("eager", false, "check for a rebalance on every step")
	_ = flag.Int("num_redundancy_experts", 0, "redundant expert slots per layer")
	_ = flag.Int("buffer_tensor_num", 0, "staging buffers for incoming experts")
	_ = flag.Int("first_dense_layers", 0, "dense layers before the first moe layer")
	_ = flag.Int("num_moe_layers", 0, "moe layers of the model")
	_ = flag.Int("num_experts", 0, "routed experts per moe layer")
	_ = flag.String("log2phy_policy", "", "replica choice of the log2phy map: random, first or round_robin")
	_ = flag.Duration("shutdown_timeout", 0, "how long to wait for the planner on shutdown")
	_ = flag.Bool("persist_expert_map", false, "save every committed expert map to the store")

	_ = flag.String("store_backend", "", "expert map store: none, file or zk")
	_ = flag.String("expert_map_path", "", "file of the file store")
	_ = flag.String("zk_root", "", "root path of the zk store")
	_ = flag.Duration("zk_session_timeout", 0, "zk session timeout")

	_ = flag.Int("world_size", 0, "ranks of the simulated group")
	_ = flag.Int("steps", 0, "forward steps per rank, 0 runs until shutdown")
	_ = flag.Duration("step_interval", 0, "sleep between two forward steps")
	_ = flag.String("transport", "", "p2p transport between ranks: local or grpc")

	_ = flag.String("log_backend", "", "std or zap")
	_ = flag.String("log_level", "", "zap log level")

	flagZkHosts utils.StrlistFlag
)

func init() {
	flag.Var(&flagZkHosts, "zk_hosts", "zk hosts with format <ip:port>,<ip:port>...")
}

func setupLogging(c *config.LogConfig) {
	if c.Backend == "zap" {
		factory, err := logging.NewZapLoggerFactory(c.Level)
		if err != nil {
			logging.Fatal("create zap logger: %v", err)
		}
		logging.SetLoggerFactory(factory)
	}
	logging.SetVerboseLevel(c.Verbose)
}

func openStore(c *config.StoreConfig) mapstore.Store {
	switch c.Backend {
	case config.StoreFile:
		return mapstore.NewFileStore(c.ExpertMapPath)
	case config.StoreZk:
		store, err := mapstore.NewZkStore(mapstore.ZkOptions{
			Hosts:          c.ZkHosts,
			SessionTimeout: c.ZkSessionTimeout,
			Root:           c.ZkRoot,
			HistoryLimit:   c.ZkHistoryLimit,
		})
		if err != nil {
			logging.Fatal("open zk store: %v", err)
		}
		return store
	default:
		return nil
	}
}

func main() {
	flag.Parse()
	version.MayPrintVersionAndExit()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		logging.Fatal("%v", err)
	}
	if err := cfg.ApplyFlags(flag.CommandLine); err != nil {
		logging.Fatal("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatal("%v", err)
	}
	if *flagPrintConfig {
		data, err := cfg.Marshal()
		if err != nil {
			logging.Fatal("marshal config: %v", err)
		}
		os.Stdout.Write(data)
		return
	}
	setupLogging(&cfg.Log)
	defer logging.Flush()

	store := openStore(&cfg.Store)
	if store != nil {
		defer store.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, err := sim.New(ctx, cfg, store, metrics.Default())
	if err != nil {
		logging.Fatal("create ranks: %v", err)
	}
	var ranks []server.Rebalancer
	for _, u := range group.Ranks() {
		ranks = append(ranks, u)
	}
	sv := server.NewServer(
		ranks,
		server.WithHttpPort(cfg.Server.HttpPort),
		server.WithDebugPort(cfg.Server.DebugPort),
	)
	sv.Start()

	finished := make(chan error, 1)
	go func() {
		finished <- group.Run(ctx)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logging.Info("got signal %v, exit", sig)
		cancel()
		err = <-finished
	case <-sv.Done():
		logging.Info("shutdown requested, exit")
		cancel()
		err = <-finished
	case err = <-finished:
	}
	if err != nil {
		logging.Error("ranks stopped: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	sv.Stop(stopCtx)
}
