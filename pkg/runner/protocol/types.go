// Package protocol defines the JSON-over-stdio protocol spoken between the estimation
// host and an external model process.
//
// Every message is one JSON object per line. The child announces itself with READY,
// then answers each EVAL with any number of EVENT messages followed by exactly one DONE
// or ERROR carrying the same evaluation ID. Closing the child's stdin asks it to finish;
// it replies with EXIT before terminating.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the model process is ready to evaluate
	MessageTypeReady MessageType = "READY"
	// MessageTypeEval asks the model process for one evaluation
	MessageTypeEval MessageType = "EVAL"
	// MessageTypeEvent carries a log line from the model process
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone carries a successful evaluation
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an evaluation failed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the model process is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Message is the envelope of all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once when the model process starts.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Model    string            `json:"model,omitempty"`
	PID      int               `json:"pid"`
	Labels   []string          `json:"labels,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EvalMessage asks for the model output at one parameter assignment.
type EvalMessage struct {
	ID     string             `json:"id"`
	Params map[string]float64 `json:"params"`
	// Timeout is the evaluation budget in seconds. Zero means unbounded.
	Timeout float64 `json:"timeout,omitempty"`
}

// EventMessage is a log line emitted while evaluating.
type EventMessage struct {
	EvalID  string            `json:"eval_id"`
	Level   string            `json:"level"` // debug, info, warn
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// DoneMessage carries the output of a successful evaluation. Non-finite values travel
// as null and decode as NaN.
type DoneMessage struct {
	EvalID   string  `json:"eval_id"`
	T        Values  `json:"t,omitempty"`
	U        Values  `json:"u"`
	Shape    []int   `json:"shape,omitempty"`
	Duration float64 `json:"duration"` // seconds
}

// ErrorMessage indicates an evaluation failed. EvalID is empty for errors not tied to
// an evaluation, such as a malformed request.
type ErrorMessage struct {
	EvalID  string `json:"eval_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent in ErrorMessage.
const (
	CodeModelFailed = "MODEL_FAILED"
	CodeBadRequest  = "BAD_REQUEST"
	CodeTimeout     = "TIMEOUT"
)

// ExitMessage is sent before the model process terminates.
type ExitMessage struct {
	Reason      string `json:"reason"`
	ExitCode    int    `json:"exit_code"`
	Evaluations int    `json:"evaluations"`
}

// Values is a float slice whose NaN and infinite entries encode as JSON null.
type Values []float64

// MarshalJSON implements json.Marshaler.
func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	out := make([]*float64, len(v))
	for i := range v {
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			continue
		}
		out[i] = &v[i]
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Values) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	out := make(Values, len(raw))
	for i, p := range raw {
		if p == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *p
	}
	*v = out
	return nil
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeEval, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the evaluation request is valid.
func (e *EvalMessage) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("evaluation ID is required")
	}
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	for name, v := range e.Params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("parameter %s is not finite", name)
		}
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.EvalID == "" {
		return fmt.Errorf("evaluation ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "debug", "info", "warn":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}

// Validate checks that the shape, when given, matches the values.
func (d *DoneMessage) Validate() error {
	if d.EvalID == "" {
		return fmt.Errorf("evaluation ID is required")
	}
	if len(d.Shape) == 0 {
		return nil
	}
	n := 1
	for _, dim := range d.Shape {
		if dim < 0 {
			return fmt.Errorf("negative dimension in shape %v", d.Shape)
		}
		n *= dim
	}
	if n != len(d.U) {
		return fmt.Errorf("shape %v does not match %d values", d.Shape, len(d.U))
	}
	return nil
}
