package engine

import (
	"encoding/json"
	"fmt"
)

// RunState is a state of the estimation state machine.
type RunState string

const (
	// StateConfigured indicates parameters, model and features passed validation.
	StateConfigured RunState = "configured"

	// StateNodesGenerated indicates the evaluation nodes are known.
	StateNodesGenerated RunState = "nodes_generated"

	// StateEvaluated indicates every node was evaluated or recorded as failed.
	StateEvaluated RunState = "evaluated"

	// StateExpanded indicates every output was fitted or recorded as failed.
	StateExpanded RunState = "expanded"

	// StateStatisticsReady indicates statistics were extracted into Results.
	StateStatisticsReady RunState = "statistics_ready"

	// StateFailed indicates an unrecoverable error.
	StateFailed RunState = "failed"
)

// next maps each non-terminal state to its successor.
var next = map[RunState]RunState{
	StateConfigured:     StateNodesGenerated,
	StateNodesGenerated: StateEvaluated,
	StateEvaluated:      StateExpanded,
	StateExpanded:       StateStatisticsReady,
}

// IsTerminal returns true if no transition leaves the state.
func (s RunState) IsTerminal() bool {
	return s == StateStatisticsReady || s == StateFailed
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case StateConfigured, StateNodesGenerated, StateEvaluated,
		StateExpanded, StateStatisticsReady, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// CanTransition reports whether the state machine may move from one state to another.
// States advance one step at a time, and any non-terminal state may fail.
func CanTransition(from, to RunState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return from.Validate() == nil
	}
	return next[from] == to
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}

// NodeStatus is the outcome of evaluating one node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"

	// NodeStatusCancelled marks nodes never started because the run was cancelled or
	// aborted.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// OutputStatus describes whether statistics could be computed for an output.
type OutputStatus string

const (
	// OutputStatusOK indicates statistics are present.
	OutputStatusOK OutputStatus = "ok"

	// OutputStatusErrored indicates every evaluation of the output failed.
	OutputStatusErrored OutputStatus = "errored"

	// OutputStatusMissing indicates no evaluation produced a value, without errors.
	OutputStatusMissing OutputStatus = "missing"

	// OutputStatusShapeMismatch indicates per-node values could not be aligned.
	OutputStatusShapeMismatch OutputStatus = "shape_mismatch"

	// OutputStatusFitFailed indicates the backend could not fit the evaluations.
	OutputStatusFitFailed OutputStatus = "fit_failed"
)

// Validate checks if the output status is valid.
func (s OutputStatus) Validate() error {
	switch s {
	case OutputStatusOK, OutputStatusErrored, OutputStatusMissing,
		OutputStatusShapeMismatch, OutputStatusFitFailed:
		return nil
	default:
		return fmt.Errorf("invalid output status: %s", s)
	}
}

// FailurePolicy selects what happens when a model evaluation fails.
type FailurePolicy string

const (
	// FailureSkip records the failure and continues with the remaining nodes.
	FailureSkip FailurePolicy = "skip"

	// FailureAbort fails the run on the first model evaluation error.
	FailureAbort FailurePolicy = "abort"
)

// Validate checks if the failure policy is valid.
func (p FailurePolicy) Validate() error {
	switch p {
	case FailureSkip, FailureAbort:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}

// Alignment selects how outputs whose length differs across nodes are brought to a common
// shape before fitting.
type Alignment string

const (
	// AlignNone requires identical shapes and reports a shape mismatch otherwise.
	AlignNone Alignment = "none"

	// AlignTruncate cuts one-dimensional outputs to the shortest length.
	AlignTruncate Alignment = "truncate"

	// AlignInterpolate resamples one-dimensional outputs onto the t grid of the longest
	// evaluation by piecewise-linear interpolation.
	AlignInterpolate Alignment = "interpolate"
)

// Validate checks if the alignment policy is valid.
func (a Alignment) Validate() error {
	switch a {
	case AlignNone, AlignTruncate, AlignInterpolate:
		return nil
	default:
		return fmt.Errorf("invalid alignment policy: %s", a)
	}
}

// OutputKind distinguishes the model output from feature outputs.
type OutputKind string

const (
	OutputKindDirect  OutputKind = "direct"
	OutputKindFeature OutputKind = "feature"
)
