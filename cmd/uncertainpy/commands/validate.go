package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Chaztikov/uncertainpy/pkg/config"
)

// validationReport is what validate prints in json and yaml formats.
type validationReport struct {
	Valid      bool                     `json:"valid" yaml:"valid"`
	Sources    []string                 `json:"sources" yaml:"sources"`
	Errors     []config.ValidationError `json:"errors,omitempty" yaml:"errors,omitempty"`
	Name       string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Uncertain  []string                 `json:"uncertain,omitempty" yaml:"uncertain,omitempty"`
	Features   []string                 `json:"features,omitempty" yaml:"features,omitempty"`
	BuildError string                   `json:"build_error,omitempty" yaml:"build_error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate run files",
		Long: `Validate CUE run files and the scripts they reference.

This command checks:
  - CUE syntax and conformance to the run schema
  - Field constraints (methods, distributions, policies)
  - That the model and feature scripts load and define the named functions`,
		Example: `  # Validate the run files in the current directory
  uncertainpy validate

  # Validate one run file and print the outcome as JSON
  uncertainpy validate study.cue --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			sources := args
			if len(sources) == 0 {
				sources = []string{"."}
			}

			report, err := validateSources(cmd.Context(), sources)
			if err != nil {
				return err
			}
			if err := printValidation(cmd.OutOrStdout(), format, report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "output format (table, json, yaml)")

	return cmd
}

func validateSources(ctx context.Context, sources []string) (*validationReport, error) {
	log.Debug().Strs("sources", sources).Msg("Validating configuration")

	pc, err := config.NewCUEParser().Parse(ctx, sources)
	if err != nil {
		return nil, err
	}

	report := &validationReport{Sources: pc.SourceFiles, Errors: pc.Errors}
	if pc.HasErrors() {
		return report, nil
	}

	rt, err := pc.Config.Build(pc.Dir, log.Logger)
	if err != nil {
		report.BuildError = err.Error()
		return report, nil
	}
	defer rt.Close()

	report.Valid = true
	report.Name = rt.Name
	report.Uncertain = rt.Parameters.UncertainNames()
	if rt.Features != nil {
		report.Features = rt.Features.Enabled()
	}
	return report, nil
}

func printValidation(w io.Writer, format string, report *validationReport) error {
	if format != formatTable {
		return writeValue(w, format, report)
	}

	for _, e := range report.Errors {
		fmt.Fprintf(w, "✗ %s\n", e.String())
	}
	if report.BuildError != "" {
		fmt.Fprintf(w, "✗ %s\n", report.BuildError)
	}
	if !report.Valid {
		return nil
	}

	fmt.Fprintf(w, "✓ %s is valid (%d files)\n", report.Name, len(report.Sources))
	fmt.Fprintf(w, "  uncertain parameters: %v\n", report.Uncertain)
	if len(report.Features) > 0 {
		fmt.Fprintf(w, "  features: %v\n", report.Features)
	}
	return nil
}
