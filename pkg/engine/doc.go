// Package engine runs uncertainty quantification and sensitivity analysis.
//
// # Overview
//
// An UncertaintyEstimation owns a parameter set, a model and an optional feature registry.
// Run propagates the uncertainty of the parameters through the model:
//
//  1. configured: parameters, model and features passed validation
//  2. nodes_generated: the backend produced evaluation nodes for the joint law
//  3. evaluated: the model and the enabled features ran on every node
//  4. expanded: each output was aligned and fitted by the backend
//  5. statistics_ready: mean, variance, percentiles and Sobol indices were extracted
//
// Any step may move the run to failed. States only advance; CanTransition describes the
// allowed moves.
//
// # Failures
//
// A failed model evaluation is recorded in Diagnostics with the node index and the full
// parameter assignment. Under FailureSkip the run continues without that node's row;
// under FailureAbort the first failure ends the run. A feature error only removes that
// feature's row for the node. Outputs that cannot be aligned or fitted keep a Record with
// a non-OK status while the other outputs still get statistics.
//
// # Concurrency
//
// Nodes are evaluated by a bounded pool of workers (Options.MaxParallel). Rows are stored
// by node index, so results do not depend on completion order. Cancelling the context
// stops nodes that have not started; evaluations in progress finish.
//
// # Example Usage
//
//	u := engine.New(engine.WithLogger(logger))
//	if err := u.SetParameters([]parameters.Spec{
//	    {Name: "J_E", Value: 4, Distribution: distribution.UniformRule(0.5)},
//	    {Name: "g", Value: 4, Distribution: distribution.UniformRule(0.5)},
//	}); err != nil {
//	    return err
//	}
//	if err := u.SetModel(myModel); err != nil {
//	    return err
//	}
//	results, err := u.Run(ctx)
package engine
