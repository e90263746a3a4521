package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Chaztikov/uncertainpy/pkg/stores"
)

const sampleStudy = `// Cooling of a cup of coffee: Newton's law of cooling with an uncertain
// cooling constant and environment temperature.
run: {
	name:   "coffee-cup"
	method: "quadrature"
	order:  4
}

model: {
	script:   "model.star"
	function: "model"
	labels: ["Time (min)", "Temperature (C)"]
}

parameters: [
	{name: "kappa", value: 0.05, distribution: {kind: "uniform", lo: 0.025, hi: 0.075}},
	{name: "T_env", value: 20, distribution: {kind: "uniform", lo: 15, hi: 25}},
]

features: {
	mode:   "all"
	script: "features.star"
}

policy: {
	enabled: true
	paths: ["policies"]
}
`

const sampleModel = `T0 = 95.0

def model(kappa, T_env):
    t = [float(i) for i in range(201)]
    temperature = [T_env + (T0 - T_env) * math.exp(-kappa * x) for x in t]
    return (t, temperature)
`

const sampleFeatures = `def final_temperature(t, U):
    return U[-1]

def time_below_60(t, U):
    for i in range(len(U)):
        if U[i] < 60:
            return t[i]
    return None
`

const samplePolicy = `# Quadrature studies need enough nodes to resolve the expansion.
# severity: warning
package study.nodes

import rego.v1

deny contains msg if {
	input.method == "quadrature"
	input.nodes < 9
	msg := sprintf("only %d nodes were evaluated", [input.nodes])
}
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a sample study",
		Long: `Create a sample study with a CUE run file, a Starlark model, Starlark features,
a policy directory and an initialized results database.`,
		Example: `  # Create a study in the current directory
  uncertainpy init

  # Create a study in a new directory, replacing existing files
  uncertainpy init ./coffee --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			out := cmd.OutOrStdout()

			log.Debug().Str("dir", dir).Bool("force", force).Msg("Initializing study")

			if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			files := []struct {
				name    string
				content string
			}{
				{"study.cue", sampleStudy},
				{"model.star", sampleModel},
				{"features.star", sampleFeatures},
				{filepath.Join("policies", "min-nodes.rego"), samplePolicy},
			}
			for _, f := range files {
				path := filepath.Join(dir, f.name)
				if _, err := os.Stat(path); err == nil && !force {
					fmt.Fprintf(out, "✓ Kept existing %s\n", path)
					continue
				}
				if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				fmt.Fprintf(out, "✓ Created %s\n", path)
			}

			dbPath := filepath.Join(dir, defaultDBPath)
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(out, "✓ Initialized results database: %s\n", dbPath)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  uncertainpy validate %s\n", filepath.Join(dir, "study.cue"))
			fmt.Fprintf(out, "  uncertainpy run %s\n", filepath.Join(dir, "study.cue"))

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

// openStore opens and migrates the results database, creating its directory.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}
