package classify

import (
	"strings"

	"github.com/illmade-knight/iot-gateway/pkg/payload"
)

// Label is the classification stored with every raw message.
type Label string

const (
	LabelTelemetry Label = "telemetry"
	LabelCommand   Label = "command"
	LabelResponse  Label = "response"
	LabelError     Label = "error"
	LabelDebug     Label = "debug"
	LabelInfo      Label = "info"
	LabelLog       Label = "log"
	LabelWarning   Label = "warning"
	LabelPairing   Label = "pairing"
)

// Labels lists every label in detection priority order.
var Labels = []Label{
	LabelPairing, LabelError, LabelWarning, LabelCommand, LabelResponse,
	LabelTelemetry, LabelDebug, LabelInfo, LabelLog,
}

// Valid reports whether l is a known label.
func (l Label) Valid() bool {
	for _, known := range Labels {
		if l == known {
			return true
		}
	}
	return false
}

// DeviceIDFields are tried in order by ExtractDeviceID.
var DeviceIDFields = []string{"deviceId", "device_id", "nodeId", "node_id", "id", "clientId"}

var telemetryFields = []string{"temperature", "humidity", "sensor", "value", "reading"}

// Detect assigns a label from payload content. Markers are checked in
// priority order: pairing, error, warning, command, response, telemetry,
// debug, info. Anything else is a plain log.
func Detect(v payload.Value) Label {
	if !v.IsObject() {
		return LabelLog
	}
	status := fieldLower(v, "status")
	level := fieldLower(v, "level")

	switch {
	case fieldLower(v, "action") == "pair" || fieldLower(v, "type") == "pairing" || isSet(v, "pairing"):
		return LabelPairing
	case isSet(v, "error") || status == "error" || level == "error":
		return LabelError
	case isSet(v, "warning") || status == "warning" || level == "warning":
		return LabelWarning
	case isSet(v, "command") || isSet(v, "cmd") || isSet(v, "action"):
		return LabelCommand
	case isSet(v, "response") || isSet(v, "reply"):
		return LabelResponse
	case hasAny(v, telemetryFields):
		return LabelTelemetry
	case isSet(v, "debug") || level == "debug":
		return LabelDebug
	case isSet(v, "info") || level == "info" || status == "info":
		return LabelInfo
	}
	return LabelLog
}

// ExtractDeviceID returns the first non-empty identifier among DeviceIDFields.
func ExtractDeviceID(v payload.Value) (string, bool) {
	for _, name := range DeviceIDFields {
		f, ok := v.Field(name)
		if !ok {
			continue
		}
		switch f.Kind() {
		case payload.String, payload.Number:
			if id := strings.TrimSpace(f.Text()); id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// DeviceIDFromTopic returns the {id} segment of topics shaped prefix/{id}/suffix,
// skipping MQTT wildcards.
func DeviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" || id == "+" || id == "#" {
		return "", false
	}
	return id, true
}

func fieldLower(v payload.Value, name string) string {
	s, ok := v.FieldString(name)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// isSet reports a marker field that is present with a truthy value, so
// {"error":0} or {"action":""} do not count.
func isSet(v payload.Value, name string) bool {
	f, ok := v.Field(name)
	return ok && f.Truthy()
}

func hasAny(v payload.Value, names []string) bool {
	for _, n := range names {
		if v.Has(n) {
			return true
		}
	}
	return false
}
