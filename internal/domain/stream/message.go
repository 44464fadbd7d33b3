// Package stream defines the hand-off contract between pipeline stages: a
// durable, ordered, replayable log addressed by a stream key, read through
// named consumer groups with explicit acknowledgment. Producers append data
// messages followed by a single completion marker; consumers infer
// end-of-stream from the marker, never from read timeouts alone.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// TypeCompletion is the value of the "type" field that distinguishes a
// completion marker from a data message on the wire.
const TypeCompletion = "completion"

// Message is the unit exchanged between stages. A data message carries one
// discovered artifact; a completion marker announces that the producing stage
// has finished emitting. The two shapes share a wire envelope and are told
// apart by the Type field.
type Message struct {
	Type         string
	Artifact     string
	JobID        uuid.UUID
	SourceStage  string
	TotalResults int64
	CompletedAt  time.Time
}

// NewDataMessage builds a data message for one discovered artifact.
func NewDataMessage(jobID uuid.UUID, sourceStage, artifact string) Message {
	return Message{
		Artifact:    artifact,
		JobID:       jobID,
		SourceStage: sourceStage,
	}
}

// NewCompletionMarker builds the marker a producer appends once it has
// emitted its last data message.
func NewCompletionMarker(jobID uuid.UUID, sourceStage string, totalResults int64, completedAt time.Time) Message {
	return Message{
		Type:         TypeCompletion,
		JobID:        jobID,
		SourceStage:  sourceStage,
		TotalResults: totalResults,
		CompletedAt:  completedAt,
	}
}

// IsCompletion reports whether the message is a completion marker.
func (m Message) IsCompletion() bool { return m.Type == TypeCompletion }

type dataWire struct {
	Artifact    string    `json:"artifact"`
	JobID       uuid.UUID `json:"job_id"`
	SourceStage string    `json:"source_stage"`
}

type completionWire struct {
	Type         string    `json:"type"`
	SourceStage  string    `json:"source_stage"`
	JobID        uuid.UUID `json:"job_id"`
	TotalResults int64     `json:"total_results"`
	CompletedAt  time.Time `json:"completed_at"`
}

// MarshalJSON emits the exact wire shape for the message's kind.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.IsCompletion() {
		return json.Marshal(completionWire{
			Type:         TypeCompletion,
			SourceStage:  m.SourceStage,
			JobID:        m.JobID,
			TotalResults: m.TotalResults,
			CompletedAt:  m.CompletedAt,
		})
	}
	return json.Marshal(dataWire{
		Artifact:    m.Artifact,
		JobID:       m.JobID,
		SourceStage: m.SourceStage,
	})
}

// UnmarshalJSON accepts either wire shape.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type         string    `json:"type"`
		Artifact     string    `json:"artifact"`
		JobID        uuid.UUID `json:"job_id"`
		SourceStage  string    `json:"source_stage"`
		TotalResults int64     `json:"total_results"`
		CompletedAt  time.Time `json:"completed_at"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decoding stream message: %w", err)
	}
	if wire.Type != "" && wire.Type != TypeCompletion {
		return fmt.Errorf("unknown stream message type %q", wire.Type)
	}

	*m = Message{
		Type:         wire.Type,
		Artifact:     wire.Artifact,
		JobID:        wire.JobID,
		SourceStage:  wire.SourceStage,
		TotalResults: wire.TotalResults,
		CompletedAt:  wire.CompletedAt,
	}
	return nil
}

// Envelope couples a decoded Message with the monotonic delivery id the
// transport assigned to it. The id is what consumers acknowledge.
type Envelope struct {
	ID  string
	Msg Message
}
