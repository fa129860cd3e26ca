package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/iot-gateway/pkg/payload"
)

func decode(t *testing.T, raw string) payload.Value {
	t.Helper()
	v, err := payload.Decode([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestDetect(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
		want Label
	}{
		{"pair action", `{"action":"pair","deviceId":"a"}`, LabelPairing},
		{"pairing type beats error", `{"type":"pairing","error":"x"}`, LabelPairing},
		{"error field", `{"error":"sensor timeout","temperature":20}`, LabelError},
		{"error status", `{"status":"ERROR"}`, LabelError},
		{"warning level", `{"level":"warning","value":3}`, LabelWarning},
		{"command", `{"cmd":"reboot"}`, LabelCommand},
		{"generic action is command", `{"action":"reset"}`, LabelCommand},
		{"response", `{"reply":"ok"}`, LabelResponse},
		{"telemetry", `{"temperature":21.5,"humidity":40}`, LabelTelemetry},
		{"telemetry value", `{"value":0}`, LabelTelemetry},
		{"null telemetry field is ignored", `{"value":null}`, LabelLog},
		{"debug", `{"level":"debug","msg":"x"}`, LabelDebug},
		{"info", `{"status":"info"}`, LabelInfo},
		{"zero error marker is telemetry", `{"temperature":21.5,"error":0}`, LabelTelemetry},
		{"false error marker is telemetry", `{"temperature":21.5,"error":false}`, LabelTelemetry},
		{"empty error marker is telemetry", `{"temperature":21.5,"error":""}`, LabelTelemetry},
		{"empty action is telemetry", `{"value":3,"action":""}`, LabelTelemetry},
		{"empty reply object is log", `{"reply":{}}`, LabelLog},
		{"false debug with info level", `{"debug":false,"level":"info"}`, LabelInfo},
		{"plain log", `{"msg":"hello"}`, LabelLog},
		{"array", `[1,2,3]`, LabelLog},
		{"scalar", `42`, LabelLog},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(decode(t, tc.raw)))
		})
	}
}

func TestDetect_NonJSONEnvelopeIsLog(t *testing.T) {
	assert.Equal(t, LabelLog, Detect(payload.NonJSONEnvelope([]byte("boot ok"))))
}

func TestExtractDeviceID(t *testing.T) {
	testCases := []struct {
		raw    string
		want   string
		wantOK bool
	}{
		{`{"deviceId":"AB12C-01","device_id":"other"}`, "AB12C-01", true},
		{`{"device_id":"AB12C-02"}`, "AB12C-02", true},
		{`{"node_id":"n-1"}`, "n-1", true},
		{`{"id":12345}`, "12345", true},
		{`{"clientId":"esp32-a"}`, "esp32-a", true},
		{`{"deviceId":"  ","clientId":"fallback"}`, "fallback", true},
		{`{"deviceId":{"nested":true}}`, "", false},
		{`{"temperature":20}`, "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, ok := ExtractDeviceID(decode(t, tc.raw))
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	id, ok := DeviceIDFromTopic("sensor/AB12C-FF00/telemetry")
	assert.True(t, ok)
	assert.Equal(t, "AB12C-FF00", id)

	_, ok = DeviceIDFromTopic("cek_waktu")
	assert.False(t, ok)
	_, ok = DeviceIDFromTopic("sensor/+/telemetry")
	assert.False(t, ok)
}

func TestLabelValid(t *testing.T) {
	assert.True(t, LabelTelemetry.Valid())
	assert.False(t, Label("metrics").Valid())
}
