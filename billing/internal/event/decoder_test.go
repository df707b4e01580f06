package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecode_FullEnvelope(t *testing.T) {
	raw := []byte(`{
		"id": "evt_1Q",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 1740830400,
		"livemode": true,
		"api_version": "2025-03-31.basil",
		"data": {"object": {"id": "cs_123", "amount_total": 4200}}
	}`)

	evt, err := Decode(raw, receivedAt, true)
	require.NoError(t, err)

	assert.Equal(t, "evt_1Q", evt.ID)
	assert.Equal(t, "checkout.session.completed", evt.Type)
	assert.True(t, evt.Livemode)
	assert.Equal(t, "2025-03-31.basil", evt.APIVersion)
	assert.Equal(t, time.Unix(1740830400, 0).UTC(), evt.Created)
	assert.Equal(t, receivedAt, evt.ReceivedAt)
	assert.False(t, evt.Unverified)
	assert.False(t, evt.DerivedID)
	assert.JSONEq(t, `{"object": {"id": "cs_123", "amount_total": 4200}}`, string(evt.Data))
	assert.JSONEq(t, `{"id": "cs_123", "amount_total": 4200}`, string(evt.Object()))
}

func TestDecode_BareDataWithoutID(t *testing.T) {
	raw := []byte(`{"type":"checkout.session.completed","data":{"id":"cs_123"}}`)

	evt, err := Decode(raw, receivedAt, true)
	require.NoError(t, err)

	assert.True(t, evt.DerivedID)
	assert.Equal(t, DeriveID(raw), evt.ID)
	assert.Contains(t, evt.ID, derivedIDPrefix)
	assert.JSONEq(t, `{"id":"cs_123"}`, string(evt.Object()))
}

func TestDecode_Unverified(t *testing.T) {
	evt, err := Decode([]byte(`{"id":"evt_1","type":"invoice.paid","data":{}}`), receivedAt, false)
	require.NoError(t, err)
	assert.True(t, evt.Unverified)
}

func TestDecode_IsIdempotent(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"id":"evt_1","type":"invoice.paid","created":1,"data":{"object":{"id":"in_1"}}}`),
		[]byte(`{"type":"charge.refunded","data":{"id":"ch_1","amount_refunded":500}}`),
		[]byte("  {\"id\":\"evt_ws\",\n \"type\":\"x.y\", \"data\":{ } }  \n"),
	}

	for _, raw := range payloads {
		first, err := Decode(raw, receivedAt, true)
		require.NoError(t, err)
		second, err := Decode(raw, receivedAt, true)
		require.NoError(t, err)
		assert.Equal(t, first, second, "payload %s", raw)
	}
}

func TestDecode_DoesNotAliasInput(t *testing.T) {
	raw := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"k":"v"}}`)
	evt, err := Decode(raw, receivedAt, true)
	require.NoError(t, err)

	for i := range raw {
		raw[i] = ' '
	}
	assert.JSONEq(t, `{"k":"v"}`, string(evt.Data))
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   \n"},
		{"not json", "this is not json"},
		{"truncated", `{"type":"invoice.paid","data":{`},
		{"array", `[{"type":"invoice.paid"}]`},
		{"string", `"invoice.paid"`},
		{"missing type", `{"id":"evt_1","data":{}}`},
		{"null type", `{"id":"evt_1","type":null,"data":{}}`},
		{"numeric type", `{"id":"evt_1","type":42,"data":{}}`},
		{"empty type", `{"id":"evt_1","type":"","data":{}}`},
		{"missing data", `{"id":"evt_1","type":"invoice.paid"}`},
		{"null data", `{"id":"evt_1","type":"invoice.paid","data":null}`},
		{"array data", `{"id":"evt_1","type":"invoice.paid","data":[1,2]}`},
		{"numeric id", `{"id":7,"type":"invoice.paid","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Decode([]byte(tt.raw), receivedAt, true)
			require.Error(t, err)
			assert.Nil(t, evt)
			assert.True(t, IsMalformed(err), "want MalformedPayloadError, got %T", err)
		})
	}
}

func TestMalformedPayloadError_Unwrap(t *testing.T) {
	_, err := Decode([]byte(`{"type":`), receivedAt, true)
	require.Error(t, err)

	var syntaxErr *json.SyntaxError
	assert.ErrorAs(t, err, &syntaxErr)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestDeriveID_Stable(t *testing.T) {
	a := DeriveID([]byte(`{"type":"x","data":{}}`))
	b := DeriveID([]byte(`{"type":"x","data":{}}`))
	c := DeriveID([]byte(`{"type":"x","data":{} }`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len(derivedIDPrefix)+24)
}
