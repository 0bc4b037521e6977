// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/dist"
	"github.com/fumi-engineer/machine_learning/qwenmoe/model"
	"github.com/fumi-engineer/machine_learning/qwenmoe/pipeline"
	"github.com/fumi-engineer/machine_learning/qwenmoe/train"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qwenmoe",
		Short:         "Sharded Qwen2 MoE decoder with distributed sanity checks",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringP("config", "c", "", "YAML config file; the tiny preset when empty")
	root.AddCommand(newTrainCmd(), newCostsCmd(), newConfigCmd())
	return root
}

// loadConfig reads --config, or the tiny preset with environment overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Tiny()
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// ---------------------------------------------------------------------------
// train
// ---------------------------------------------------------------------------

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run training steps on synthetic packed documents",
		Args:  cobra.NoArgs,
		RunE:  trainHandler,
	}
	cmd.Flags().Int("steps", 0, "number of optimizer steps; tokens.train_steps when 0")
	cmd.Flags().Bool("progress", true, "show a progress bar")
	cmd.Flags().Bool("ignore-sanity-checks", false, "skip the distributed invariant checks")
	return cmd
}

type trainSummary struct {
	mu      sync.Mutex
	last    train.StepResult
	runID   string
	balance map[int]float32
}

func trainHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if skip, _ := cmd.Flags().GetBool("ignore-sanity-checks"); skip {
		cfg.General.IgnoreSanityChecks = true
	}
	steps, _ := cmd.Flags().GetInt("steps")
	if steps <= 0 {
		steps = cfg.Tokens.TrainSteps
	}
	if steps <= 0 {
		return errors.Wrap(config.ErrInvalid, "no training steps")
	}

	var bar *progressbar.ProgressBar
	if show, _ := cmd.Flags().GetBool("progress"); show {
		bar = progressbar.NewOptions(steps,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("training"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}

	p := cfg.Parallelism
	topo := dist.Topology{TP: p.TP, PP: p.PP, DP: p.DP, CP: p.CP}
	sum := &trainSummary{balance: map[int]float32{}}
	err = dist.Launch(cmd.Context(), topo, func(ctx context.Context, pc *dist.ParallelContext) error {
		m, err := model.New(cfg, pc)
		if err != nil {
			return err
		}
		if err := m.Init(cfg.General.Seed); err != nil {
			return err
		}
		tr := train.New(cfg, m)
		data, err := train.NewSynthetic(cfg, pc)
		if err != nil {
			return err
		}
		leader := pc.WorldRank() == 0
		if err := tr.Train(ctx, data, steps, func(r train.StepResult) {
			if !leader {
				return
			}
			sum.mu.Lock()
			sum.last, sum.runID = r, tr.RunID().String()
			sum.mu.Unlock()
			if bar != nil {
				bar.Describe(fmt.Sprintf("loss %.4f", r.Loss))
				_ = bar.Add(1)
			}
		}); err != nil {
			return err
		}
		if pc.TP().Rank() == 0 && pc.DP().Rank() == 0 && pc.CP().Rank() == 0 {
			sum.mu.Lock()
			for layer, v := range m.LoadBalance() {
				sum.balance[layer] = v
			}
			sum.mu.Unlock()
		}
		return nil
	})
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err != nil {
		return err
	}
	printTrainSummary(cmd.OutOrStdout(), cfg, sum)
	return nil
}

func printTrainSummary(w io.Writer, cfg config.Config, sum *trainSummary) {
	r := sum.last
	table := newTable(w, "METRIC", "VALUE")
	table.AppendBulk([][]string{
		{"run", sum.runID},
		{"world", fmt.Sprintf("tp=%d pp=%d dp=%d cp=%d", cfg.Parallelism.TP, cfg.Parallelism.PP, cfg.Parallelism.DP, cfg.Parallelism.CP)},
		{"iterations", strconv.Itoa(r.Iteration)},
		{"loss", fmt.Sprintf("%.4f", r.Loss)},
		{"lr", fmt.Sprintf("%.3g", r.LR)},
		{"grad norm", fmt.Sprintf("%.4f", r.GradNorm)},
		{"last step", r.Duration.String()},
		{"throughput", humanize.SIWithDigits(r.TokensPerSec, 2, "tokens/s")},
		{"model TFLOP/s per rank", fmt.Sprintf("%.4f", r.ModelTFLOPs)},
	})
	layers := make([]int, 0, len(sum.balance))
	for l := range sum.balance {
		layers = append(layers, l)
	}
	slices.Sort(layers)
	for _, l := range layers {
		table.Append([]string{fmt.Sprintf("layer %d load balance", l), fmt.Sprintf("%.4f", sum.balance[l])})
	}
	table.Render()
}

// ---------------------------------------------------------------------------
// costs
// ---------------------------------------------------------------------------

func newCostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Show block costs, parameter counts and the pipeline stage assignment",
		Args:  cobra.NoArgs,
		RunE:  costsHandler,
	}
}

func costsHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	q := cfg.Model.Qwen2
	names, counts, err := paramCounts(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	kinds := model.ChainKinds(q)
	costs := model.BlockCosts(q)
	ranks := pipeline.AssignStages(costs, cfg.Parallelism.PP)

	w := cmd.OutOrStdout()
	table := newTable(w, "BLOCK", "KIND", "COST", "PARAMS", "PP RANK")
	var total int64
	for i, name := range names {
		total += counts[name]
		table.Append([]string{
			name,
			string(kinds[i]),
			humanize.Comma(costs[i]),
			humanize.Comma(counts[name]),
			strconv.Itoa(ranks[i]),
		})
	}
	table.Render()

	tok := cfg.Tokens
	globalBatch := tok.MicroBatchSize * max(tok.BatchAccumulation, 1) * cfg.Parallelism.DP
	flops, _ := model.Flops(q, tok.SequenceLength, globalBatch)
	fmt.Fprintf(w, "\n%s parameters, %s per iteration (%d sequences of %d tokens)\n",
		humanize.Comma(total), humanize.SIWithDigits(flops, 2, "FLOP"), globalBatch, tok.SequenceLength)
	if names := model.TiedNames(q); names != nil {
		fmt.Fprintf(w, "tied: %s\n", strings.Join(names, " = "))
	}
	return nil
}

// paramCounts builds the unsharded model on one rank and returns the block
// names in chain order with their parameter element counts.
func paramCounts(ctx context.Context, cfg config.Config) ([]string, map[string]int64, error) {
	cfg.Parallelism.TP, cfg.Parallelism.PP, cfg.Parallelism.DP, cfg.Parallelism.CP = 1, 1, 1, 1
	var names []string
	counts := map[string]int64{}
	err := dist.Launch(ctx, dist.Topology{TP: 1, PP: 1, DP: 1, CP: 1}, func(_ context.Context, pc *dist.ParallelContext) error {
		m, err := model.New(cfg, pc)
		if err != nil {
			return err
		}
		for _, b := range m.Blocks() {
			names = append(names, b.Name)
			for _, p := range m.Params().All() {
				if strings.HasPrefix(p.Name, b.Name+".") {
					counts[b.Name] += int64(p.Data.Numel())
				}
			}
		}
		return nil
	})
	return names, counts, err
}

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
