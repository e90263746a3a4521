package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
	"github.com/Chaztikov/uncertainpy/pkg/features"
	"github.com/Chaztikov/uncertainpy/pkg/model"
	"github.com/Chaztikov/uncertainpy/pkg/telemetry"
)

// nodeResult is the outcome of evaluating one node.
type nodeResult struct {
	status   NodeStatus
	direct   model.Output
	features map[string]features.Outcome
	err      error
}

// scheduler evaluates nodes on a bounded pool of workers. Results are stored by node
// index, so completion order never affects row order.
type scheduler struct {
	adapter     *model.Adapter
	registry    *features.Registry
	maxParallel int
	policy      FailurePolicy
	runID       string

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	sink    telemetry.Sink
}

// evaluate runs the model on every assignment. Cancellation of ctx is checked before each
// node; an evaluation already in progress runs to completion. With the abort policy the
// first model error stops the remaining nodes and is returned.
func (s *scheduler) evaluate(ctx context.Context, assignments []map[string]float64) ([]nodeResult, error) {
	results := make([]nodeResult, len(assignments))
	for i := range results {
		results[i].status = NodeStatusPending
	}
	if len(assignments) == 0 {
		return results, nil
	}

	abortCtx, abort := context.WithCancel(ctx)
	defer abort()
	var (
		abortOnce sync.Once
		abortErr  error
	)

	workerCount := s.maxParallel
	if workerCount <= 0 || workerCount > len(assignments) {
		workerCount = len(assignments)
	}

	workQueue := make(chan int, len(assignments))
	for i := range assignments {
		workQueue <- i
	}
	close(workQueue)
	s.metrics.SetQueuedNodes(len(assignments))

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				select {
				case <-abortCtx.Done():
					results[idx].status = NodeStatusCancelled
					continue
				default:
				}

				res := s.evaluateNode(ctx, idx, assignments[idx])
				results[idx] = res

				if res.status == NodeStatusFailed && s.policy == FailureAbort {
					abortOnce.Do(func() {
						abortErr = res.err
						abort()
					})
				}
			}
		}()
	}
	wg.Wait()
	s.metrics.SetQueuedNodes(0)

	if abortErr != nil {
		return results, abortErr
	}
	if err := ctx.Err(); err != nil {
		return results, errdefs.NewCancelledError(err)
	}
	return results, nil
}

// evaluateNode runs the model and the enabled features on one node.
func (s *scheduler) evaluateNode(ctx context.Context, idx int, assignment map[string]float64) nodeResult {
	// In-flight evaluations are not preempted by cancellation.
	evalCtx := context.WithoutCancel(ctx)
	evalCtx, span := s.tracer.StartNodeSpan(evalCtx, idx)
	timer := telemetry.NewTimer()

	raw, err := s.adapter.Run(evalCtx, assignment)
	var direct model.Output
	if err == nil {
		direct, err = s.adapter.Postprocess(raw)
		if err != nil {
			err = errdefs.NewModelError("postprocess failed", err)
		}
	}

	if err != nil {
		err = tagNode(err, idx, s.adapter.Merge(assignment))
		telemetry.EndSpan(span, err)
		s.metrics.RecordNodeEvaluation(string(NodeStatusFailed), timer.Duration())
		s.logger.WithNode(idx, assignment).WithError(err).Warn("model evaluation failed")
		s.publish(telemetry.Event{
			Type:    telemetry.EventTypeNodeFailed,
			Level:   telemetry.EventLevelWarning,
			Node:    &idx,
			Message: fmt.Sprintf("model evaluation failed at %s", errdefs.FormatAssignment(assignment)),
			Data:    map[string]any{"error": err.Error()},
		})
		return nodeResult{status: NodeStatusFailed, err: err}
	}

	var outcomes map[string]features.Outcome
	if s.registry != nil {
		outcomes = s.registry.Run(evalCtx, raw, features.NodeContext{Index: idx, Assignment: assignment})
		for name, o := range outcomes {
			if o.Err == nil {
				continue
			}
			s.metrics.RecordFeatureError(name)
			s.publish(telemetry.Event{
				Type:    telemetry.EventTypeFeatureFailed,
				Level:   telemetry.EventLevelWarning,
				Output:  name,
				Node:    &idx,
				Message: fmt.Sprintf("feature %s failed at %s", name, errdefs.FormatAssignment(assignment)),
				Data:    map[string]any{"error": o.Err.Error()},
			})
		}
	}

	telemetry.EndSpan(span, nil)
	s.metrics.RecordNodeEvaluation(string(NodeStatusSucceeded), timer.Duration())
	return nodeResult{status: NodeStatusSucceeded, direct: direct, features: outcomes}
}

func (s *scheduler) publish(event telemetry.Event) {
	if s.sink == nil {
		return
	}
	event.RunID = s.runID
	if err := s.sink.Publish(event); err != nil {
		s.logger.WithError(err).Debug("diagnostic event dropped")
	}
}

// tagNode attaches the node index and full assignment to a classified error, or wraps an
// unclassified one as a model evaluation error.
func tagNode(err error, idx int, full map[string]float64) error {
	e, ok := err.(*errdefs.Error)
	if !ok {
		e = errdefs.NewModelError("model evaluation failed", err)
	}
	return e.WithNode(idx, full)
}

// summarize counts node outcomes into d and collects failures in node order.
func summarize(results []nodeResult, assignments []map[string]float64, d *Diagnostics) {
	d.TotalNodes = len(results)
	for idx, res := range results {
		switch res.status {
		case NodeStatusSucceeded:
			d.SucceededNodes++
		case NodeStatusFailed:
			d.FailedNodes++
			d.NodeFailures = append(d.NodeFailures, NodeFailure{
				Index:      idx,
				Assignment: assignments[idx],
				Error:      res.err.Error(),
				Err:        res.err,
			})
		case NodeStatusCancelled, NodeStatusPending:
			d.CancelledNodes++
		}
	}
}
