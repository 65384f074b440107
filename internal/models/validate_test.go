package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJobRequest(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantErr   bool
		wantField string
		wantQuery string
	}{
		{
			name:      "minimal",
			body:      `{"naturalLanguageQuery":"avg cpu by server last 24h"}`,
			wantQuery: "avg cpu by server last 24h",
		},
		{
			name:      "with hints",
			body:      `{"naturalLanguageQuery":"  errors per host ","timeRange":"24h","metricType":"errors","filters":{"env":"prod"}}`,
			wantQuery: "errors per host",
		},
		{
			name:    "missing query",
			body:    `{"timeRange":"24h"}`,
			wantErr: true,
		},
		{
			name:      "blank query",
			body:      `{"naturalLanguageQuery":"   "}`,
			wantErr:   true,
			wantField: "naturalLanguageQuery",
		},
		{
			name:      "wrong type",
			body:      `{"naturalLanguageQuery":42}`,
			wantErr:   true,
			wantField: "naturalLanguageQuery",
		},
		{
			name:    "filters not object",
			body:    `{"naturalLanguageQuery":"q","filters":"x"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeJobRequest([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
				if tt.wantField != "" {
					assert.Equal(t, tt.wantField, verr.Field)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantQuery, req.NaturalLanguageQuery)
		})
	}
}

func TestDecodeJobEvent(t *testing.T) {
	event, err := DecodeJobEvent([]byte(`{"type":"data","message":"Query returned 1 rows.","progress":0.7,"rows":[{"host":"a","cpu":0.5}]}`))
	require.NoError(t, err)
	assert.Equal(t, EventTypeData, event.Type)
	require.Len(t, event.Rows, 1)
	assert.Equal(t, "a", event.Rows[0]["host"])

	_, err = DecodeJobEvent([]byte(`{"type":"bogus"}`))
	require.Error(t, err)

	_, err = DecodeJobEvent([]byte(`{"type":"step","progress":1.5}`))
	require.Error(t, err)

	_, err = DecodeJobEvent([]byte(`{"message":"no type"}`))
	require.Error(t, err)
}

func TestJobEventRoundTripsThroughSchema(t *testing.T) {
	event := JobEvent{
		JobID:    "j1",
		Type:     EventTypeDone,
		Message:  "Analysis complete.",
		Progress: 1,
		Rows:     []Row{{"n": 1}},
		Analysis: &AnalysisResult{Analysis: "ok", Anomalies: []string{}, Recommendations: []string{}},
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	decoded, err := DecodeJobEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "ok", decoded.Analysis.Analysis)
	assert.True(t, decoded.Type.Terminal())
}

func TestDecodeJobEventKeepsIntegerPrecision(t *testing.T) {
	event, err := DecodeJobEvent([]byte(`{"type":"done","rows":[{"id":9007199254740993,"bytes":1.5}],"truncated":true}`))
	require.NoError(t, err)
	require.Len(t, event.Rows, 1)
	assert.Equal(t, json.Number("9007199254740993"), event.Rows[0]["id"])
	assert.True(t, event.Truncated)

	out, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"id":9007199254740993`)
	assert.Contains(t, string(out), `"truncated":true`)

	_, err = DecodeJobEvent([]byte(`{"type":"done","truncated":"yes"}`))
	require.Error(t, err)

	_, err = DecodeJobEvent([]byte(`{"type":"done"} {"type":"error"}`))
	require.Error(t, err)
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, StateWaiting.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
}
