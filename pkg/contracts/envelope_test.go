package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelopeMap() map[string]any {
	return map[string]any{
		"message_id":     "msg-123",
		"from_agent":     AgentCoordinator,
		"to_agent":       AgentTriage,
		"timestamp":      "2026-08-24T12:00:00Z",
		"correlation_id": "INC-2026-ABCDE",
		"payload":        map[string]any{"alert_id": "A-001"},
	}
}

func TestEnvelopeFromMapAccepts(t *testing.T) {
	env, err := EnvelopeFromMap(validEnvelopeMap())
	require.NoError(t, err)
	assert.Equal(t, AgentTriage, env.ToAgent)
	assert.Equal(t, "A-001", env.Payload["alert_id"])
}

func TestEnvelopeFromMapListsEveryMissingField(t *testing.T) {
	_, err := EnvelopeFromMap(map[string]any{})
	require.Error(t, err)

	var verr *ValidationErrors
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 6)
	assert.Contains(t, err.Error(), "message_id is required")
	assert.Contains(t, err.Error(), "payload is required")
}

func TestEnvelopeFromMapRejectsNonObjectPayload(t *testing.T) {
	raw := validEnvelopeMap()
	raw["payload"] = []any{"not", "an", "object"}

	_, err := EnvelopeFromMap(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload must be an object")
}

func TestEnvelopeFromMapRejectsEmptyAndWrongTypes(t *testing.T) {
	raw := validEnvelopeMap()
	raw["from_agent"] = ""
	raw["timestamp"] = 12345

	_, err := EnvelopeFromMap(raw)
	require.Error(t, err)

	var verr *ValidationErrors
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "from_agent must be non-empty")
	assert.Contains(t, err.Error(), "timestamp must be a string")
}

func TestEnvelopeFromMapRejectsBadTimestamp(t *testing.T) {
	raw := validEnvelopeMap()
	raw["timestamp"] = "yesterday"

	_, err := EnvelopeFromMap(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ISO-8601")
}

func TestNewEnvelopeIsValid(t *testing.T) {
	env := NewEnvelope(AgentCoordinator, AgentExecutor, "INC-2026-XYZ12", map[string]any{"task": "execute_plan"})
	require.NoError(t, env.Validate())
	assert.Contains(t, env.MessageID, "msg-")
	assert.Equal(t, "INC-2026-XYZ12", env.CorrelationID)
}
