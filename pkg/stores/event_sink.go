package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chaztikov/uncertainpy/pkg/telemetry"
)

// EventSink appends telemetry events to the event log. Write errors are logged and
// returned; the engine treats sink errors as non-fatal.
type EventSink struct {
	store   *SQLiteStore
	logger  zerolog.Logger
	timeout time.Duration
}

// NewEventSink creates a sink writing to store.
func NewEventSink(store *SQLiteStore, logger zerolog.Logger) *EventSink {
	return &EventSink{
		store:   store,
		logger:  logger.With().Str("component", "event-sink").Logger(),
		timeout: 5 * time.Second,
	}
}

// Publish implements telemetry.Sink.
func (s *EventSink) Publish(event telemetry.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	stored := &Event{
		EventID:   event.ID,
		Type:      event.Type,
		Level:     EventLevel(event.Level),
		Node:      event.Node,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.RunID != "" {
		stored.RunID = stringPtr(event.RunID)
	}
	if event.Output != "" {
		stored.Output = stringPtr(event.Output)
	}
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			s.logger.Warn().Err(err).Str("type", event.Type).Msg("dropping unencodable event data")
		} else {
			stored.Data = stringPtr(string(b))
		}
	}

	if err := s.store.AppendEvent(ctx, stored); err != nil {
		s.logger.Error().Err(err).Str("type", event.Type).Msg("failed to store event")
		return err
	}
	return nil
}

var _ telemetry.Sink = (*EventSink)(nil)
