package main

import (
	"fmt"
	"os"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/config"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/version"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logBackend string
	logLevel   string
	verbose    int32
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "expert_planner",
		Short:         "Offline expert placement for moe layers",
		Long:          "expert_planner computes balanced expert deployments from a measured workload and inspects expert map files.",
		Version:       version.GitCommitId,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.logBackend == "zap" {
				factory, err := logging.NewZapLoggerFactory(flags.logLevel)
				if err != nil {
					return err
				}
				logging.SetLoggerFactory(factory)
			}
			logging.SetVerboseLevel(flags.verbose)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "yaml config, only the planner section is used")
	root.PersistentFlags().StringVar(&flags.logBackend, "log_backend", "std", "std or zap")
	root.PersistentFlags().StringVar(&flags.logLevel, "log_level", "info", "zap log level")
	root.PersistentFlags().Int32VarP(&flags.verbose, "verbose", "v", 0, "verbose log level")

	root.AddCommand(newPlanCmd(flags), newDiffCmd(flags), newShowCmd())
	return root
}

func (f *rootFlags) plannerConfig() (*config.PlannerConfig, error) {
	c, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	return &c.Planner, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Flush()
		os.Exit(1)
	}
	logging.Flush()
}
