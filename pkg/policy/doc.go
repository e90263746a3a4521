// Package policy checks estimation results with Open Policy Agent (OPA) Rego policies.
//
// An Engine compiles Rego modules and evaluates them against a JSON view of
// engine.Results (see ResultsInput). Each module must define a deny set whose members
// are message strings or objects with message, severity and output keys. Violations of
// error or critical severity mark the results as not allowed.
//
// # Built-in policies
//
//   - node-failure-budget: the failed-node ratio exceeds Settings.MaxFailureRatio
//   - sensitivity-consistency: Sobol indices outside [0, 1], first order above total,
//     or first order indices summing above one, each with Settings.Tolerance slack
//   - finite-statistics: NaN or infinite statistics, or negative variance
//   - output-health: outputs without statistics, and outputs with failed evaluations
//
// # Usage
//
// The engine implements engine.ResultsPolicy and is usually attached to an estimation:
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	u := engine.New(engine.WithPolicy(pe))
//
// After a run, results.Policy() holds the report.
//
// # Custom policies
//
// Policies are loaded from .rego files, JSON policy definitions, or directories of
// either. A .rego policy is named after its file; its leading comment block becomes the
// description and a "# severity: error" line sets the default severity:
//
//	# Every study needs a reasonable grid.
//	# severity: error
//	package lab.nodes
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.nodes < 10
//	    msg := sprintf("only %d nodes", [input.nodes])
//	}
//
// Watch reloads policies when their files change.
package policy
