package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusec/scanhive/pkg/common/uuid"
)

func TestMessageMarshalDataShape(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	msg := NewDataMessage(jobID, "enumeration", "api.example.com")

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	assert.Equal(t, "api.example.com", fields["artifact"])
	assert.Equal(t, jobID.String(), fields["job_id"])
	assert.Equal(t, "enumeration", fields["source_stage"])
	assert.NotContains(t, fields, "type", "data messages must not carry a type field")
	assert.NotContains(t, fields, "total_results")
}

func TestMessageMarshalCompletionShape(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	completedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := NewCompletionMarker(jobID, "dns", 42, completedAt)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	assert.Equal(t, "completion", fields["type"])
	assert.Equal(t, "dns", fields["source_stage"])
	assert.Equal(t, jobID.String(), fields["job_id"])
	assert.Equal(t, float64(42), fields["total_results"])
	assert.NotContains(t, fields, "artifact")
}

func TestMessageUnmarshal(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()

	tests := []struct {
		name         string
		raw          string
		wantErr      bool
		wantComplete bool
		check        func(t *testing.T, msg Message)
	}{
		{
			name: "data message",
			raw:  `{"artifact":"https://example.com/login","job_id":"` + jobID.String() + `","source_stage":"http"}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, "https://example.com/login", msg.Artifact)
				assert.Equal(t, jobID, msg.JobID)
				assert.Equal(t, "http", msg.SourceStage)
			},
		},
		{
			name:         "completion marker",
			raw:          `{"type":"completion","source_stage":"enumeration","job_id":"` + jobID.String() + `","total_results":7,"completed_at":"2025-06-01T12:00:00Z"}`,
			wantComplete: true,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, int64(7), msg.TotalResults)
				assert.Equal(t, "enumeration", msg.SourceStage)
				assert.False(t, msg.CompletedAt.IsZero())
			},
		},
		{
			name:         "zero results marker keeps total field",
			raw:          `{"type":"completion","source_stage":"dns","job_id":"` + jobID.String() + `","total_results":0,"completed_at":"2025-06-01T12:00:00Z"}`,
			wantComplete: true,
			check: func(t *testing.T, msg Message) {
				assert.Zero(t, msg.TotalResults)
			},
		},
		{
			name:    "unknown type rejected",
			raw:     `{"type":"heartbeat","job_id":"` + jobID.String() + `"}`,
			wantErr: true,
		},
		{
			name:    "malformed payload rejected",
			raw:     `{"artifact":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var msg Message
			err := json.Unmarshal([]byte(tt.raw), &msg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantComplete, msg.IsCompletion())
			if tt.check != nil {
				tt.check(t, msg)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	original := NewCompletionMarker(jobID, "crawl", 13, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, original, decoded)
}
