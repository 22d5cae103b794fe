package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkirby-ms/tilemud-sub004/internal/catalog"
	"github.com/dkirby-ms/tilemud-sub004/internal/protocol"
)

func TestEncodeDecode_MoveIntent(t *testing.T) {
	raw, err := protocol.Encode(protocol.TypeIntentMove, protocol.MoveIntent{
		Header:    protocol.Header{Sequence: 7},
		Direction: protocol.DirectionEast,
		Magnitude: 2,
	})
	require.NoError(t, err)

	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeIntentMove, env.Type)

	var intent protocol.MoveIntent
	require.NoError(t, json.Unmarshal(env.Payload, &intent))
	assert.Equal(t, int64(7), intent.Sequence)
	assert.Equal(t, protocol.DirectionEast, intent.Direction)
	assert.Equal(t, 2, intent.Magnitude)
}

func TestDecode_RejectsMalformedFrames(t *testing.T) {
	_, err := protocol.Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = protocol.Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err, "missing type must be rejected")
}

func TestAck_HandshakeVariantOmitsIntentFields(t *testing.T) {
	raw, err := json.Marshal(protocol.Ack{
		Reason:              "handshake",
		SessionID:           "sess-1",
		Sequence:            12,
		Version:             "1.0.0",
		AcknowledgedIntents: []int64{10, 11, 12},
		AcknowledgedAt:      time.Unix(10000, 0).UTC(),
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "handshake", m["reason"])
	assert.NotContains(t, m, "intentType")
	assert.NotContains(t, m, "durability")
	assert.Len(t, m["acknowledgedIntents"], 3)
}

func TestWireCategory(t *testing.T) {
	cases := map[catalog.Category]string{
		catalog.CategoryValidation: protocol.CategoryValidation,
		catalog.CategoryConflict:   protocol.CategoryConsistency,
		catalog.CategoryState:      protocol.CategoryConsistency,
		catalog.CategoryRateLimit:  protocol.CategoryRateLimit,
		catalog.CategorySecurity:   protocol.CategorySystem,
		catalog.CategoryInternal:   protocol.CategorySystem,
		catalog.CategoryCapacity:   protocol.CategorySystem,
	}
	for in, want := range cases {
		assert.Equal(t, want, protocol.WireCategory(in), string(in))
	}
}

func TestErrorEventFrom_SequenceGap(t *testing.T) {
	err := catalog.NewError(catalog.SequenceGapDetected).
		WithDetails("expected", int64(5)).
		WithDetails("missingCount", int64(2))

	evt := protocol.ErrorEventFrom(protocol.TypeIntentAction, 7, err)
	assert.Equal(t, "SEQ_GAP_DETECTED", evt.Code)
	assert.Equal(t, protocol.CategoryConsistency, evt.Category)
	assert.True(t, evt.Retryable)
	assert.Equal(t, int64(5), evt.Details["expected"])
}
