package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Chaztikov/uncertainpy/pkg/engine"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// number encodes NaN and infinities as JSON null.
type number float64

func (n number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func numbers(xs []float64) []number {
	if xs == nil {
		return nil
	}
	out := make([]number, len(xs))
	for i, x := range xs {
		out[i] = number(x)
	}
	return out
}

func indexNumbers(m map[string][]float64) map[string][]number {
	if m == nil {
		return nil
	}
	out := make(map[string][]number, len(m))
	for k, xs := range m {
		out[k] = numbers(xs)
	}
	return out
}

// runReport is the printable form of a run.
type runReport struct {
	RunID       string               `json:"run_id" yaml:"run_id"`
	Name        string               `json:"name" yaml:"name"`
	Method      string               `json:"method" yaml:"method"`
	State       string               `json:"state" yaml:"state"`
	Uncertain   []string             `json:"uncertain" yaml:"uncertain"`
	Nodes       int                  `json:"nodes" yaml:"nodes"`
	StartedAt   time.Time            `json:"started_at" yaml:"started_at"`
	Duration    string               `json:"duration,omitempty" yaml:"duration,omitempty"`
	Error       string               `json:"error,omitempty" yaml:"error,omitempty"`
	Outputs     []outputReport       `json:"outputs" yaml:"outputs"`
	Diagnostics *engine.Diagnostics  `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	Policy      *engine.PolicyReport `json:"policy,omitempty" yaml:"policy,omitempty"`
}

type outputReport struct {
	Name       string              `json:"name" yaml:"name"`
	Kind       string              `json:"kind" yaml:"kind"`
	Status     string              `json:"status" yaml:"status"`
	Labels     []string            `json:"labels,omitempty" yaml:"labels,omitempty"`
	Shape      []int               `json:"shape,omitempty" yaml:"shape,omitempty"`
	T          []number            `json:"t,omitempty" yaml:"t,omitempty"`
	Mean       []number            `json:"mean,omitempty" yaml:"mean,omitempty"`
	Variance   []number            `json:"variance,omitempty" yaml:"variance,omitempty"`
	P05        []number            `json:"p05,omitempty" yaml:"p05,omitempty"`
	P95        []number            `json:"p95,omitempty" yaml:"p95,omitempty"`
	FirstOrder map[string][]number `json:"first_order,omitempty" yaml:"first_order,omitempty"`
	Total      map[string][]number `json:"total,omitempty" yaml:"total,omitempty"`
	Missing    int                 `json:"missing" yaml:"missing"`
	Errored    int                 `json:"errored" yaml:"errored"`
	Error      string              `json:"error,omitempty" yaml:"error,omitempty"`
}

func newOutputReport(rec *engine.Record) outputReport {
	return outputReport{
		Name:       rec.Name,
		Kind:       string(rec.Kind),
		Status:     string(rec.Status),
		Labels:     rec.Labels,
		Shape:      rec.Shape,
		T:          numbers(rec.T),
		Mean:       numbers(rec.Mean),
		Variance:   numbers(rec.Variance),
		P05:        numbers(rec.P05),
		P95:        numbers(rec.P95),
		FirstOrder: indexNumbers(rec.FirstOrder),
		Total:      indexNumbers(rec.Total),
		Missing:    rec.Missing,
		Errored:    rec.Errored,
		Error:      rec.Error,
	}
}

func newRunReport(name string, results *engine.Results, runErr error) *runReport {
	r := &runReport{
		RunID:       results.RunID(),
		Name:        name,
		Method:      string(results.Method()),
		State:       string(results.State()),
		Uncertain:   results.UncertainParameters(),
		Nodes:       results.Nodes(),
		StartedAt:   results.StartedAt(),
		Outputs:     []outputReport{},
		Diagnostics: results.Diagnostics(),
		Policy:      results.Policy(),
	}
	if d := results.Duration(); d > 0 {
		r.Duration = d.Round(time.Millisecond).String()
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	for _, n := range results.Names() {
		rec, _ := results.Get(n)
		r.Outputs = append(r.Outputs, newOutputReport(rec))
	}
	return r
}

// writeValue prints v as JSON or YAML.
func writeValue(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeReports(w io.Writer, format string, reports []*runReport) error {
	if format != formatTable {
		if len(reports) == 1 {
			return writeValue(w, format, reports[0])
		}
		return writeValue(w, format, reports)
	}
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := writeReportTable(w, r); err != nil {
			return err
		}
	}
	return nil
}

func writeReportTable(w io.Writer, r *runReport) error {
	fmt.Fprintf(w, "Run %s (%s)\n", r.RunID, r.Name)
	fmt.Fprintf(w, "  method: %s  state: %s  nodes: %d", r.Method, r.State, r.Nodes)
	if r.Duration != "" {
		fmt.Fprintf(w, "  duration: %s", r.Duration)
	}
	fmt.Fprintf(w, "\n  uncertain: %s\n", strings.Join(r.Uncertain, ", "))
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	if d := r.Diagnostics; d != nil && d.FailedNodes > 0 {
		fmt.Fprintf(w, "  failed nodes: %d of %d\n", d.FailedNodes, d.TotalNodes)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTPUT\tSTATUS\tPOINTS\tMEAN\tVARIANCE\tP05\tP95")
	for _, o := range r.Outputs {
		if o.Status != string(engine.OutputStatusOK) {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t-\n", o.Name, o.Status)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", o.Name, o.Status, len(o.Mean),
			summarize(o.Mean), summarize(o.Variance), summarize(o.P05), summarize(o.P95))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if hasIndices(r.Outputs) {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "OUTPUT\tPARAMETER\tFIRST ORDER\tTOTAL")
		for _, o := range r.Outputs {
			for _, p := range sortedKeys(o.FirstOrder) {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Name, p, summarize(o.FirstOrder[p]), summarize(o.Total[p]))
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if r.Policy != nil && len(r.Policy.Violations) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "POLICY\tSEVERITY\tOUTPUT\tMESSAGE")
		for _, v := range r.Policy.Violations {
			out := v.Output
			if out == "" {
				out = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Policy, v.Severity, out, v.Message)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// summarize prints a scalar as is and a series as its average over finite points.
func summarize(xs []number) string {
	switch len(xs) {
	case 0:
		return "-"
	case 1:
		return formatNumber(float64(xs[0]))
	}
	var sum float64
	var n int
	for _, x := range xs {
		if f := float64(x); !math.IsNaN(f) && !math.IsInf(f, 0) {
			sum += f
			n++
		}
	}
	if n == 0 {
		return "NaN"
	}
	return "avg " + formatNumber(sum/float64(n))
}

func formatNumber(f float64) string {
	return fmt.Sprintf("%.4g", f)
}

func hasIndices(outputs []outputReport) bool {
	for _, o := range outputs {
		if len(o.FirstOrder) > 0 {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
