package packet_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitorouter/sitorouter/internal/packet"
)

// Property: round-tripping a packet through Encode/Decode preserves every
// known field and any settings keys the router core doesn't know about.
func TestRoundTrip(t *testing.T) {
	p := &packet.Packet{
		Cargo: json.RawMessage(`{"a":1,"b":"two"}`),
		Settings: packet.Settings{
			ProcessRoute: []string{"A", "B", "C"},
			History:      []string{"A"},
			RouteArgs:    map[string]packet.PublishArgs{"B": {Exchange: "ex", RoutingKey: "b"}},
			RecordID:     "rec-1",
			BatchID:      "batch-1",
			TaskStart:    1700000000,
			RetryReady:   true,
			RetryCount:   map[string]int{"B": 1},
			RetryHistory: map[string][]string{"B": {"Retry"}},
			SitoReturn:   &packet.SitoReturn{Code: "ERR", Description: "boom"},
			AbortRoute:   []string{"RequestResults"},
			SystemID:     "sys-1",
			UserID:       "user-1",
			Extras:       map[string]any{"custom_field": "custom_value"},
		},
	}

	body, err := packet.Encode(p, "msgData", "sitoSettings")
	require.NoError(t, err)

	out, err := packet.Decode(body, "msgData", "sitoSettings")
	require.NoError(t, err)

	assert.JSONEq(t, string(p.Cargo), string(out.Cargo))
	assert.Equal(t, p.Settings.ProcessRoute, out.Settings.ProcessRoute)
	assert.Equal(t, p.Settings.History, out.Settings.History)
	assert.Equal(t, p.Settings.RouteArgs, out.Settings.RouteArgs)
	assert.Equal(t, p.Settings.RecordID, out.Settings.RecordID)
	assert.Equal(t, p.Settings.RetryCount, out.Settings.RetryCount)
	assert.Equal(t, p.Settings.SitoReturn, out.Settings.SitoReturn)
	assert.Equal(t, "custom_value", out.Settings.Extras["custom_field"])
}

func TestDecodeUnknownSettingsKeyGoesToExtras(t *testing.T) {
	raw := `{"msgData":{"x":1},"sitoSettings":{"process_route":["A"],"history":[],"retry_ready":false,"some_future_field":"value"}}`
	out, err := packet.Decode([]byte(raw), "msgData", "sitoSettings")
	require.NoError(t, err)
	assert.Equal(t, "value", out.Settings.Extras["some_future_field"])
}

func TestCloneDoesNotAliasSlicesOrMaps(t *testing.T) {
	s := packet.Settings{
		ProcessRoute: []string{"A", "B"},
		RetryCount:   map[string]int{"A": 1},
	}
	clone := s.Clone()
	clone.ProcessRoute[0] = "Z"
	clone.RetryCount["A"] = 99

	assert.Equal(t, "A", s.ProcessRoute[0])
	assert.Equal(t, 1, s.RetryCount["A"])
}
