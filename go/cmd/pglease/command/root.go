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
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/multigres/pglease/go/pgdriver"
	"github.com/multigres/pglease/go/servenv"
)

// PgleaseCommand holds the state shared by the pglease subcommands.
type PgleaseCommand struct {
	v       *viper.Viper
	logging *servenv.Logger
	config  *pgdriver.ConfigFlags

	// opts are appended to the driver options, for tests.
	opts []pgdriver.Option
}

func newPgleaseCommand(fs afero.Fs) *PgleaseCommand {
	v := viper.New()
	return &PgleaseCommand{
		v:       v,
		logging: servenv.NewLogger(v, fs),
		config:  pgdriver.NewConfigFlags(v, fs),
	}
}

// GetRootCommand creates the root command with all subcommands.
func GetRootCommand() *cobra.Command {
	return newRootCommand(newPgleaseCommand(nil))
}

func newRootCommand(pc *PgleaseCommand) *cobra.Command {
	root := &cobra.Command{
		Use:   "pglease",
		Short: "Run PostgreSQL workloads through a task-leased connection pool",
		Long: `pglease gives every task its own PostgreSQL connection for as long as the
task runs, drawn from a bounded pool shared by all tasks.

Connection settings come from flags, PGLEASE_* environment variables
(e.g. PGLEASE_PG_HOST) or the file given by --config-file, in that order.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pc.logging.SetupLogging()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return pc.logging.Close()
		},
	}

	pc.logging.RegisterFlags(root.PersistentFlags())
	pc.config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCommand(pc))
	root.AddCommand(newBenchCommand(pc))
	return root
}

// openDriver builds a driver from the loaded configuration.
func (pc *PgleaseCommand) openDriver() (*pgdriver.Driver, error) {
	cfg, err := pc.config.Load()
	if err != nil {
		return nil, err
	}
	opts := []pgdriver.Option{
		pgdriver.WithLogger(pc.logging.GetLogger()),
		pgdriver.WithMeter(otel.Meter("github.com/multigres/pglease")),
	}
	drv, err := pgdriver.New(cfg, append(opts, pc.opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	return drv, nil
}
