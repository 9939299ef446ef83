// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/multigres/pglease/go/pgdriver"
)

const (
	keyBenchTasks       = "tasks"
	keyBenchConcurrency = "concurrency"
	keyBenchQuery       = "query"
	keyBenchStatements  = "statements-per-task"
)

// BenchReport is printed as YAML when a bench run completes.
type BenchReport struct {
	Tasks          int            `yaml:"tasks"`
	Concurrency    int            `yaml:"concurrency"`
	Failed         int64          `yaml:"failed"`
	Elapsed        time.Duration  `yaml:"elapsed"`
	TasksPerSecond float64        `yaml:"tasks_per_second"`
	Stats          pgdriver.Stats `yaml:"stats"`
}

func newBenchCommand(pc *PgleaseCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run many concurrent tasks against the pool and report",
		Long: `Start --tasks tasks, at most --concurrency at a time. Each task runs
--query --statements-per-task times on its leased connection. Prints a
YAML report with pool and lease counters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, err := pc.openDriver()
			if err != nil {
				return err
			}
			defer drv.Close()

			report, err := runBench(cmd.Context(), drv, benchOptions{
				tasks:       pc.v.GetInt(keyBenchTasks),
				concurrency: pc.v.GetInt(keyBenchConcurrency),
				statements:  pc.v.GetInt(keyBenchStatements),
				query:       pc.v.GetString(keyBenchQuery),
			})
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().Int(keyBenchTasks, 1000, "Number of tasks to run")
	cmd.Flags().Int(keyBenchConcurrency, 50, "Maximum tasks running at once")
	cmd.Flags().Int(keyBenchStatements, 3, "Statements each task runs")
	cmd.Flags().String(keyBenchQuery, "SELECT 1", "Statement each task runs")
	_ = pc.v.BindPFlags(cmd.Flags())
	return cmd
}

type benchOptions struct {
	tasks       int
	concurrency int
	statements  int
	query       string
}

func runBench(ctx context.Context, drv *pgdriver.Driver, opts benchOptions) (*BenchReport, error) {
	if opts.tasks <= 0 || opts.concurrency <= 0 {
		return nil, fmt.Errorf("tasks and concurrency must be positive")
	}
	logger := drv.Logger()

	var failed atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i := range opts.tasks {
		g.Go(func() error {
			err := drv.Run(gctx, func(ctx context.Context) error {
				for range opts.statements {
					if _, err := drv.Exec(ctx, opts.query); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				if failed.Add(1) == 1 {
					logger.Warn("bench task failed", "task", i, "error", err)
				}
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if err := drv.Flush(ctx); err != nil {
		return nil, err
	}
	return &BenchReport{
		Tasks:          opts.tasks,
		Concurrency:    opts.concurrency,
		Failed:         failed.Load(),
		Elapsed:        elapsed,
		TasksPerSecond: float64(opts.tasks) / elapsed.Seconds(),
		Stats:          drv.Stats(),
	}, nil
}
