package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// defaultDBPath is where init creates the results database and where results commands look.
const defaultDBPath = ".uncertainpy/results.db"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	var dbPath string

	rootCmd := &cobra.Command{
		Use:   "uncertainpy",
		Short: "Uncertainty quantification and sensitivity analysis",
		Long: `uncertainpy propagates parameter uncertainty through a model and reports the
mean, variance, 90% prediction interval and Sobol sensitivity indices of the model
output and of features computed from it.

Studies are described in CUE run files; models and features are Starlark scripts.
Results are stored in a local SQLite database and can be checked with OPA policies.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "results database path")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResultsCommand())

	return rootCmd
}
