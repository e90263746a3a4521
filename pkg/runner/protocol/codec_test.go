package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{
			name:    "encode ready message",
			msgType: MessageTypeReady,
			data:    &ReadyMessage{Version: Version, Model: "cooling", PID: 1234, Labels: []string{"time", "T"}},
		},
		{
			name:    "encode eval message",
			msgType: MessageTypeEval,
			data:    &EvalMessage{ID: "1", Params: map[string]float64{"kappa": 0.05}},
		},
		{
			name:    "encode done message",
			msgType: MessageTypeDone,
			data:    &DoneMessage{EvalID: "1", U: Values{1, 2}, Duration: 0.01},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data:    &ErrorMessage{EvalID: "1", Code: CodeModelFailed, Message: "diverged"},
		},
		{
			name:    "encode exit message",
			msgType: MessageTypeExit,
			data:    &ExitMessage{Reason: "stdin_closed", Evaluations: 25},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				line := buf.String()
				if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
					t.Errorf("Output is not a single line: %q", line)
				}
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestEncoderValidates(t *testing.T) {
	enc := NewEncoder(io.Discard)

	if err := enc.EncodeEval(&EvalMessage{}); err == nil {
		t.Error("EncodeEval() without an ID should fail")
	}
	if err := enc.EncodeEvent(&EventMessage{EvalID: "1", Level: "trace"}); err == nil {
		t.Error("EncodeEvent() with an unknown level should fail")
	}
	if err := enc.EncodeDone(&DoneMessage{EvalID: "1", U: Values{1}, Shape: []int{2}}); err == nil {
		t.Error("EncodeDone() with a mismatched shape should fail")
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode ready message",
			input:   `{"type":"READY","timestamp":"2026-01-01T00:00:00Z","data":{"version":"1","model":"cooling","pid":1234}}`,
			msgType: MessageTypeReady,
		},
		{
			name:    "decode eval message",
			input:   `{"type":"EVAL","timestamp":"2026-01-01T00:00:00Z","data":{"id":"1","params":{"kappa":0.05}}}`,
			msgType: MessageTypeEval,
		},
		{
			name:    "decode event message",
			input:   `{"type":"EVENT","timestamp":"2026-01-01T00:00:00Z","data":{"eval_id":"1","level":"info","message":"step 10"}}`,
			msgType: MessageTypeEvent,
		},
		{
			name:    "unknown message type",
			input:   `{"type":"CMD","timestamp":"2026-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && errors.Is(err, ErrStream) {
				t.Errorf("Decode() error = %v, a bad line is not a stream failure", err)
			}

			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() error = %v, want io.EOF", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestDecoderStreamError(t *testing.T) {
	dec := NewDecoder(failingReader{})
	if _, err := dec.Decode(); !errors.Is(err, ErrStream) {
		t.Errorf("Decode() error = %v, want ErrStream", err)
	}
}

func TestDecodeEval(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid evaluation",
			input: `{"type":"EVAL","timestamp":"2026-01-01T00:00:00Z","data":{"id":"7","params":{"kappa":0.05,"T_env":20},"timeout":2.5}}`,
		},
		{
			name:    "wrong message type",
			input:   `{"type":"EVENT","timestamp":"2026-01-01T00:00:00Z","data":{}}`,
			wantErr: true,
		},
		{
			name:    "missing evaluation id",
			input:   `{"type":"EVAL","timestamp":"2026-01-01T00:00:00Z","data":{"params":{}}}`,
			wantErr: true,
		},
		{
			name:    "missing data",
			input:   `{"type":"EVAL","timestamp":"2026-01-01T00:00:00Z"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			eval, err := dec.DecodeEval()

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeEval() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && (eval.ID != "7" || eval.Params["T_env"] != 20 || eval.Timeout != 2.5) {
				t.Errorf("DecodeEval() = %+v", eval)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeEval(&EvalMessage{ID: "3", Params: map[string]float64{"g": 4}}); err != nil {
		t.Fatal(err)
	}
	if err := enc.EncodeExit(&ExitMessage{Reason: "stdin_closed", Evaluations: 3}); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(&buf)
	eval, err := dec.DecodeEval()
	if err != nil || eval.Params["g"] != 4 {
		t.Fatalf("DecodeEval() = %+v, %v", eval, err)
	}
	msg, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	var exit ExitMessage
	if err := ParseData(msg.Data, &exit); err != nil || exit.Evaluations != 3 {
		t.Errorf("ParseData() = %+v, %v", exit, err)
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() after the last message = %v, want io.EOF", err)
	}
}
