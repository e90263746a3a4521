// Package errdefs defines the classified error type shared by every uncertainpy package.
//
// Errors carry a Class (what went wrong at the pipeline level) and a Code (the precise
// condition). Two errors compare equal under errors.Is when both Class and Code match, so
// the package-level sentinels can be used as targets:
//
//	if errors.Is(err, errdefs.ErrInvalidDistribution) { ... }
package errdefs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Class is the pipeline-level classification of an error.
type Class string

const (
	// ClassConfiguration covers invalid parameters, distributions, models or features.
	// Configuration errors are surfaced synchronously and never retried.
	ClassConfiguration Class = "configuration"

	// ClassModel marks a model invocation that failed at a specific parameter point.
	ClassModel Class = "model"

	// ClassFeature marks a feature callable that failed on a specific model output.
	ClassFeature Class = "feature"

	// ClassShape marks outputs whose shapes are inconsistent across nodes.
	ClassShape Class = "shape"

	// ClassRun covers run-level failures such as an exceeded failure budget or a failed fit.
	ClassRun Class = "run"

	// ClassCancelled marks a run stopped through its context.
	ClassCancelled Class = "cancelled"
)

// Error codes.
const (
	CodeDuplicateName          = "DUPLICATE_NAME"
	CodeInvalidDistribution    = "INVALID_DISTRIBUTION"
	CodeUnknownParameter       = "UNKNOWN_PARAMETER"
	CodeUnknownFeature         = "UNKNOWN_FEATURE"
	CodeNoUncertainParameters  = "NO_UNCERTAIN_PARAMETERS"
	CodeInvalidModel           = "INVALID_MODEL"
	CodeInvalidFeatures        = "INVALID_FEATURES"
	CodeInvalidParameters      = "INVALID_PARAMETERS"
	CodeInvalidConfig          = "INVALID_CONFIG"
	CodeModelEvaluation        = "MODEL_EVALUATION"
	CodeFeatureEvaluation      = "FEATURE_EVALUATION"
	CodeShapeMismatch          = "SHAPE_MISMATCH"
	CodeFitFailed              = "FIT_FAILED"
	CodeAllNodesFailed         = "ALL_NODES_FAILED"
	CodeFailureThreshold       = "FAILURE_THRESHOLD"
	CodeCancelled              = "CANCELLED"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
)

// Sentinels for errors.Is. They carry no context; use the constructors to build errors
// that match them.
var (
	ErrDuplicateName          = &Error{Class: ClassConfiguration, Code: CodeDuplicateName}
	ErrInvalidDistribution    = &Error{Class: ClassConfiguration, Code: CodeInvalidDistribution}
	ErrUnknownParameter       = &Error{Class: ClassConfiguration, Code: CodeUnknownParameter}
	ErrUnknownFeature         = &Error{Class: ClassConfiguration, Code: CodeUnknownFeature}
	ErrNoUncertainParameters  = &Error{Class: ClassConfiguration, Code: CodeNoUncertainParameters}
	ErrInvalidModel           = &Error{Class: ClassConfiguration, Code: CodeInvalidModel}
	ErrInvalidFeatures        = &Error{Class: ClassConfiguration, Code: CodeInvalidFeatures}
	ErrInvalidParameters      = &Error{Class: ClassConfiguration, Code: CodeInvalidParameters}
	ErrInvalidConfig          = &Error{Class: ClassConfiguration, Code: CodeInvalidConfig}
	ErrModelEvaluation        = &Error{Class: ClassModel, Code: CodeModelEvaluation}
	ErrFeatureEvaluation      = &Error{Class: ClassFeature, Code: CodeFeatureEvaluation}
	ErrShapeMismatch          = &Error{Class: ClassShape, Code: CodeShapeMismatch}
	ErrFitFailed              = &Error{Class: ClassRun, Code: CodeFitFailed}
	ErrAllNodesFailed         = &Error{Class: ClassRun, Code: CodeAllNodesFailed}
	ErrFailureThreshold       = &Error{Class: ClassRun, Code: CodeFailureThreshold}
	ErrCancelled              = &Error{Class: ClassCancelled, Code: CodeCancelled}
	ErrInvalidStateTransition = &Error{Class: ClassRun, Code: CodeInvalidStateTransition}
)

// Error is a classified error with the context needed to locate its cause.
type Error struct {
	// Class is the pipeline-level classification.
	Class Class `json:"class"`

	// Code identifies the precise condition.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Parameter is the parameter name involved, if any.
	Parameter string `json:"parameter,omitempty"`

	// Feature is the feature name involved, if any.
	Feature string `json:"feature,omitempty"`

	// Output is the output (direct or feature) whose statistics failed, if any.
	Output string `json:"output,omitempty"`

	// Node is the index of the node being evaluated, if any.
	Node *int `json:"node,omitempty"`

	// Assignment is the full parameter assignment of the failing evaluation.
	Assignment map[string]float64 `json:"assignment,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Parameter != "" {
		ctx = append(ctx, "parameter="+e.Parameter)
	}
	if e.Feature != "" {
		ctx = append(ctx, "feature="+e.Feature)
	}
	if e.Output != "" {
		ctx = append(ctx, "output="+e.Output)
	}
	if e.Node != nil {
		ctx = append(ctx, fmt.Sprintf("node=%d", *e.Node))
	}
	if len(e.Assignment) > 0 {
		ctx = append(ctx, "assignment="+FormatAssignment(e.Assignment))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// New creates an error of the given class and code.
func New(class Class, code, message string, err error) *Error {
	return &Error{
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a configuration error with the given code.
func NewConfigurationError(code, message string, err error) *Error {
	return New(ClassConfiguration, code, message, err)
}

// NewModelError wraps a failed model invocation.
func NewModelError(message string, err error) *Error {
	return New(ClassModel, CodeModelEvaluation, message, err)
}

// NewFeatureError wraps a failed feature callable.
func NewFeatureError(feature string, err error) *Error {
	e := New(ClassFeature, CodeFeatureEvaluation, "feature evaluation failed", err)
	e.Feature = feature
	return e
}

// NewShapeError reports inconsistent output shapes.
func NewShapeError(output, message string) *Error {
	e := New(ClassShape, CodeShapeMismatch, message, nil)
	e.Output = output
	return e
}

// NewRunError creates a run-level error with the given code.
func NewRunError(code, message string, err error) *Error {
	return New(ClassRun, code, message, err)
}

// NewCancelledError wraps a context error.
func NewCancelledError(err error) *Error {
	return New(ClassCancelled, CodeCancelled, "run cancelled", err)
}

// Errorf creates a configuration error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return NewConfigurationError(code, fmt.Sprintf(format, args...), nil)
}

// WithParameter adds parameter context to an error.
func (e *Error) WithParameter(name string) *Error {
	e.Parameter = name
	return e
}

// WithFeature adds feature context to an error.
func (e *Error) WithFeature(name string) *Error {
	e.Feature = name
	return e
}

// WithOutput adds output context to an error.
func (e *Error) WithOutput(name string) *Error {
	e.Output = name
	return e
}

// WithNode records the node index and a copy of its parameter assignment.
func (e *Error) WithNode(index int, assignment map[string]float64) *Error {
	e.Node = &index
	if assignment != nil {
		e.Assignment = make(map[string]float64, len(assignment))
		for k, v := range assignment {
			e.Assignment[k] = v
		}
	}
	return e
}

// WithCode overrides the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first classified error in the chain, or "" if none.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of the first classified error in the chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return ClassOf(err) == ClassConfiguration
}

// IsModelEvaluation returns true if the error is a model evaluation error.
func IsModelEvaluation(err error) bool {
	return ClassOf(err) == ClassModel
}

// IsFeatureEvaluation returns true if the error is a feature evaluation error.
func IsFeatureEvaluation(err error) bool {
	return ClassOf(err) == ClassFeature
}

// IsShapeMismatch returns true if the error reports inconsistent output shapes.
func IsShapeMismatch(err error) bool {
	return ClassOf(err) == ClassShape
}

// IsCancelled returns true if the run was cancelled.
func IsCancelled(err error) bool {
	return ClassOf(err) == ClassCancelled
}

// FormatAssignment renders an assignment with keys in sorted order.
func FormatAssignment(assignment map[string]float64) string {
	keys := make([]string, 0, len(assignment))
	for k := range assignment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, assignment[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
