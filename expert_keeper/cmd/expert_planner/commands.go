package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/mapstore"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/migration"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/placement"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/workload"
	"github.com/spf13/cobra"
)

// workloadDoc is the body of GET /v1/expert_load. A bare [layer][device][expert]
// array is accepted as well.
type workloadDoc struct {
	MoeLoad [][][]float64 `json:"moe_load"`
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Configurationf("read %s: %v", path, err)
	}
	return data, nil
}

func decodeWorkload(data []byte) (*workload.Matrix, error) {
	trimmed := bytes.TrimSpace(data)
	var nested [][][]float64
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &nested); err != nil {
			return nil, errs.Configurationf("parse workload: %v", err)
		}
	} else {
		doc := workloadDoc{}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, errs.Configurationf("parse workload: %v", err)
		}
		nested = doc.MoeLoad
	}
	if len(nested) == 0 {
		return nil, errs.Configurationf("workload has no layer")
	}
	return workload.FromNested(nested)
}

func readDeployment(cmd *cobra.Command, path string) (placement.Deployment, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}
	d, err := mapstore.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// maxExpert returns one past the highest expert id of every deployment.
func maxExpert(deployments ...placement.Deployment) int {
	output := 0
	for _, d := range deployments {
		for _, layer := range d {
			for _, box := range layer {
				for _, e := range box {
					if e+1 > output {
						output = e + 1
					}
				}
			}
		}
	}
	return output
}

type planFlags struct {
	workload    string
	current     string
	output      string
	devices     int
	redundancy  int
	experts     int
	parallelism int
}

func newPlanCmd(root *rootFlags) *cobra.Command {
	flags := &planFlags{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Pack a measured workload into a balanced expert map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, root, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.workload, "workload", "w", "", "workload json file, - for stdin")
	cmd.Flags().StringVar(&flags.current, "current", "", "expert map the workload was measured under")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "write the expert map here instead of stdout")
	cmd.Flags().IntVar(&flags.devices, "devices", 0, "device count, defaults to the workload's")
	cmd.Flags().IntVar(&flags.redundancy, "redundancy", 0, "redundant expert slots per layer")
	cmd.Flags().IntVar(&flags.experts, "experts", 0, "expected expert count, 0 accepts the workload's")
	cmd.Flags().IntVar(&flags.parallelism, "parallelism", 0, "layers planned concurrently, 0 for GOMAXPROCS")
	cmd.MarkFlagRequired("workload")
	return cmd
}

func runPlan(cmd *cobra.Command, root *rootFlags, flags *planFlags) error {
	pc, err := root.plannerConfig()
	if err != nil {
		return err
	}
	opts := placement.Options{
		Devices:     pc.Devices,
		Redundancy:  pc.Redundancy,
		Experts:     flags.experts,
		Parallelism: pc.Parallelism,
	}
	if cmd.Flags().Changed("devices") {
		opts.Devices = flags.devices
	}
	if cmd.Flags().Changed("redundancy") {
		opts.Redundancy = flags.redundancy
	}
	if cmd.Flags().Changed("parallelism") {
		opts.Parallelism = flags.parallelism
	}

	data, err := readInput(cmd, flags.workload)
	if err != nil {
		return err
	}
	w, err := decodeWorkload(data)
	if err != nil {
		return err
	}
	if opts.Devices == 0 {
		opts.Devices = w.Devices()
	}
	if flags.current != "" {
		current, err := readDeployment(cmd, flags.current)
		if err != nil {
			return err
		}
		opts.Current = current
	}

	result, err := placement.Plan(cmd.Context(), w, opts)
	if err != nil {
		return err
	}
	encoded, err := mapstore.Encode(result.Deployment)
	if err != nil {
		return err
	}

	report := cmd.OutOrStdout()
	if flags.output == "" {
		cmd.OutOrStdout().Write(append(encoded, '\n'))
		report = cmd.ErrOrStderr()
	} else if err := os.WriteFile(flags.output, encoded, 0644); err != nil {
		return errs.Configurationf("write %s: %v", flags.output, err)
	}
	return writeImbalance(report, result.Imbalance)
}

func writeImbalance(out io.Writer, imb []placement.LayerImbalance) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "layer\tbaseline\tbalanced")
	for _, i := range imb {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\n", i.Layer, i.Baseline, i.Balanced)
	}
	baseline, balanced := placement.AverageImbalance(imb)
	fmt.Fprintf(tw, "avg\t%.4f\t%.4f\n", baseline, balanced)
	return tw.Flush()
}

type diffFlags struct {
	policy  string
	experts int
	seed    int64
}

func newDiffCmd(root *rootFlags) *cobra.Command {
	flags := &diffFlags{}
	cmd := &cobra.Command{
		Use:   "diff <old.json> <new.json>",
		Short: "List the expert transfers that turn one expert map into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd, root, flags, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&flags.policy, "policy", "", "log2phy policy, defaults to the config's")
	cmd.Flags().IntVar(&flags.experts, "experts", 0, "expert count, 0 infers it from the maps")
	cmd.Flags().Int64Var(&flags.seed, "seed", 0, "seed of the random log2phy policy")
	return cmd
}

func runDiff(cmd *cobra.Command, root *rootFlags, flags *diffFlags, oldPath, newPath string) error {
	pc, err := root.plannerConfig()
	if err != nil {
		return err
	}
	policyName := pc.Log2PhyPolicy
	if flags.policy != "" {
		policyName = flags.policy
	}
	policy, err := migration.ParsePolicy(policyName)
	if err != nil {
		return err
	}
	oldDeployment, err := readDeployment(cmd, oldPath)
	if err != nil {
		return err
	}
	newDeployment, err := readDeployment(cmd, newPath)
	if err != nil {
		return err
	}
	experts := flags.experts
	if experts == 0 {
		experts = maxExpert(oldDeployment, newDeployment)
	}
	old, err := expertmap.FromDeployment(oldDeployment, experts)
	if err != nil {
		return err
	}
	if err := old.Validate(); err != nil {
		return fmt.Errorf("%s: %w", oldPath, err)
	}
	for l, layer := range newDeployment {
		if len(layer) != old.Devices() {
			return errs.Configurationf("layer %d of %s has %d devices, %s has %d",
				l, newPath, len(layer), oldPath, old.Devices())
		}
	}
	plans, err := migration.NewPlanner(policy, flags.seed).PlanAll(old, newDeployment)
	if err != nil {
		return err
	}
	return writePlans(cmd.OutOrStdout(), plans, old.Devices())
}

func formatTransfers(transfers []migration.Transfer, arrow string) string {
	var buf bytes.Buffer
	for i, t := range transfers {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%d%s%d", t.ExpertID, arrow, t.Peer)
	}
	if buf.Len() == 0 {
		return "-"
	}
	return buf.String()
}

func writePlans(out io.Writer, plans []migration.LayerPlan, devices int) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	total := 0
	fmt.Fprintln(tw, "layer\tdevice\trecv\tsend")
	for i := range plans {
		plan := &plans[i]
		total += plan.MovedExperts()
		if plan.Empty() {
			fmt.Fprintf(tw, "%d\t*\t-\t-\n", plan.LayerID)
			continue
		}
		for d := 0; d < devices; d++ {
			recvs, sends := plan.RecvsOf(d), plan.SendsOf(d)
			if len(recvs) == 0 && len(sends) == 0 {
				continue
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n",
				plan.LayerID, d, formatTransfers(recvs, "<-"), formatTransfers(sends, "->"))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "moved experts: %d\n", total)
	return err
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <map.json>",
		Short: "Print an expert map with its replica counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := readDeployment(cmd, args[0])
			if err != nil {
				return err
			}
			maps, err := expertmap.FromDeployment(d, maxExpert(d))
			if err != nil {
				return err
			}
			if err := maps.Validate(); err != nil {
				return err
			}
			return writeMaps(cmd.OutOrStdout(), maps)
		},
	}
}

func writeMaps(out io.Writer, maps expertmap.GlobalMap) error {
	fmt.Fprintf(out, "layers: %d, devices: %d, experts: %d\n", maps.Layers(), maps.Devices(), maps.Experts())
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "layer\tdevice\texperts\treplicated")
	for l, layer := range maps {
		for d, box := range layer.Boxes() {
			var replicated []int
			for _, e := range box {
				if len(layer.Holders(e)) > 1 {
					replicated = append(replicated, e)
				}
			}
			fmt.Fprintf(tw, "%d\t%d\t%v\t%v\n", l, d, box, replicated)
		}
	}
	return tw.Flush()
}
