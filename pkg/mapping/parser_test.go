package mapping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/iot-gateway/pkg/payload"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func mustDecode(t *testing.T, raw string) payload.Value {
	t.Helper()
	v, err := payload.Decode([]byte(raw))
	require.NoError(t, err)
	return v
}

func mustDocument(t *testing.T, raw string) *Document {
	t.Helper()
	doc, err := ParseDocument([]byte(raw))
	require.NoError(t, err)
	return doc
}

const batteryProfile = `{
  "metadata": {"deviceId": {"path": "device_id"}, "timestamp": {"path": "ts"}},
  "sensors": [
    {"label": "Power", "catalogId": "cat-1", "channels": [
      {"channelCode": "BATTERY_V", "payloadPath": "batt.v", "unit": "V", "multiplier": 1.0}
    ]}
  ]
}`

func TestParse_BatteryScenario(t *testing.T) {
	p := NewParserWithClock(func() time.Time { return fixedNow })
	v := mustDecode(t, `{ "device_id": "AB12C-FF00", "ts": 1700000000, "batt": {"v": 3.30} }`)

	res := p.Parse(v, mustDocument(t, batteryProfile))

	assert.Empty(t, res.Errors)
	assert.Equal(t, "AB12C-FF00", res.DeviceID)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), res.Timestamp)
	assert.Equal(t, "ts", res.TimestampPath)
	require.Len(t, res.Sensors, 1)
	assert.Equal(t, "cat-1", res.Sensors[0].CatalogRef)
	require.Len(t, res.Sensors[0].Channels, 1)

	ch := res.Sensors[0].Channels[0]
	assert.True(t, ch.OK)
	assert.Equal(t, "BATTERY_V", ch.ChannelCode)
	assert.InDelta(t, 3.30, ch.Value, 1e-9)
	require.NotNil(t, ch.Conversion.Multiplier)
	assert.Equal(t, 1.0, *ch.Conversion.Multiplier)
}

func TestParse_FieldIsolation(t *testing.T) {
	doc := mustDocument(t, `{
	  "metadata": {},
	  "sensors": [
	    {"label": "Climate", "channels": [
	      {"channelCode": "TEMP", "payloadPath": "env.t"},
	      {"channelCode": "HUM", "payloadPath": "env.h"},
	      {"channelCode": "PRESS", "payloadPath": "env.p"}
	    ]},
	    {"label": "Power", "channels": [
	      {"channelCode": "VBAT", "payloadPath": "batt"}
	    ]}
	  ]
	}`)
	v := mustDecode(t, `{"deviceId":"X","timestamp":"2024-05-01T10:00:00Z","env":{"t":21.5,"p":"1013.2"},"batt":true}`)

	res := NewParser().Parse(v, doc)

	require.Len(t, res.Sensors, 2)
	require.Len(t, res.Sensors[0].Channels, 3)
	assert.Equal(t, 4, res.ChannelCount())

	temp, hum, press := res.Sensors[0].Channels[0], res.Sensors[0].Channels[1], res.Sensors[0].Channels[2]
	assert.True(t, temp.OK)
	assert.False(t, hum.OK)
	assert.Equal(t, "Value not found at path: env.h", hum.Err)
	assert.True(t, press.OK)
	assert.InDelta(t, 1013.2, press.Value, 1e-9)

	vbat := res.Sensors[1].Channels[0]
	assert.True(t, vbat.OK)
	assert.Equal(t, 1.0, vbat.Value)

	assert.Empty(t, res.Errors)
	assert.Equal(t, "X", res.DeviceID)
}

func TestParse_NonNumericChannel(t *testing.T) {
	doc := mustDocument(t, `{"metadata":{},"sensors":[{"label":"S","channels":[{"channelCode":"C","payloadPath":"v"}]}]}`)
	res := NewParser().Parse(mustDecode(t, `{"device_id":"d","ts":1,"v":"high"}`), doc)
	ch := res.Sensors[0].Channels[0]
	assert.False(t, ch.OK)
	assert.Equal(t, "Cannot convert value to number: high", ch.Err)
}

func TestParse_Defaults(t *testing.T) {
	p := NewParserWithClock(func() time.Time { return fixedNow })
	res := p.Parse(mustDecode(t, `{"foo":"bar"}`), &Document{})

	assert.Equal(t, UnknownDeviceID, res.DeviceID)
	assert.Equal(t, fixedNow, res.Timestamp)
	assert.Contains(t, res.Errors, "Device ID not found in payload")
	assert.Contains(t, res.Errors, "Timestamp not found in payload, using current time")
	assert.Contains(t, res.Errors, "No sensors configuration found in mapping")
	assert.Empty(t, res.Sensors)
}

func TestParse_SensorWithoutChannels(t *testing.T) {
	doc := mustDocument(t, `{"metadata":{},"sensors":[{"channels":[]}]}`)
	res := NewParser().Parse(mustDecode(t, `{"device_id":"d","ts":1}`), doc)
	require.Len(t, res.Sensors, 1)
	assert.Equal(t, "Unknown", res.Sensors[0].Label)
	assert.Contains(t, res.Errors, "No channels found for sensor: Unknown")
}

func TestParse_MetadataPathsWinOverFallbacks(t *testing.T) {
	doc := mustDocument(t, `{
	  "metadata": {
	    "deviceId": {"path": "meta.serial"},
	    "timestamp": {"path": "meta.when"},
	    "signalQuality": {"path": "radio.rssi"},
	    "extra": {"firmware": {"path": "meta.fw"}}
	  },
	  "sensors": []
	}`)
	v := mustDecode(t, `{"device_id":"fallback","ts":5,"meta":{"serial":12345,"when":1700000000123,"fw":"1.2.0"},"radio":{"rssi":"-71"}}`)

	res := NewParser().Parse(v, doc)

	assert.Equal(t, "12345", res.DeviceID)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), res.Timestamp)
	require.NotNil(t, res.SignalQuality)
	assert.Equal(t, -71.0, *res.SignalQuality)
	fw, ok := res.Extra["firmware"].Str()
	assert.True(t, ok)
	assert.Equal(t, "1.2.0", fw)
}

func TestNormalizeTimestamp(t *testing.T) {
	testCases := []struct {
		name  string
		value payload.Value
		want  time.Time
		err   bool
	}{
		{"seconds", payload.NumberValue(1700000000), time.Unix(1700000000, 0).UTC(), false},
		{"millis", payload.NumberValue(1700000000500), time.UnixMilli(1700000000500).UTC(), false},
		{"rfc3339", payload.StringValue("2024-02-29T12:00:00+02:00"), time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), false},
		{"space separated", payload.StringValue("2024-02-29 12:00:00"), time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), false},
		{"numeric string", payload.StringValue("1700000000"), time.Unix(1700000000, 0).UTC(), false},
		{"garbage", payload.StringValue("yesterday"), time.Time{}, true},
		{"bool", payload.BoolValue(true), time.Time{}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeTimestamp(tc.value)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "want %s got %s", tc.want, got)
		})
	}
}

func TestParse_InvalidTimestampFallsThrough(t *testing.T) {
	doc := mustDocument(t, `{"metadata":{"timestamp":{"path":"when"}},"sensors":[]}`)
	res := NewParser().Parse(mustDecode(t, `{"when":"soon","ts":1700000000}`), doc)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), res.Timestamp)
	assert.Contains(t, res.Errors[1], "Invalid timestamp at when")
}
