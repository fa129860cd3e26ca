package listener

import (
	"strings"
)

const (
	DefaultConfigRequestTopic = "get_config/+"
	DefaultTimeProbeTopic     = "cek_waktu"
	timeProbeResponseSuffix   = "/response"
	telemetrySegment          = "/telemetry"
	eventSegment              = "/event"
)

// DefaultTelemetryTopics are subscribed when no topics are configured.
var DefaultTelemetryTopics = []string{"sensor/+/telemetry", "sensor/+/rs485", "sensor/+/boot"}

// TopicConfig names the topics the listener subscribes to.
type TopicConfig struct {
	Telemetry     []string
	ConfigRequest string
	TimeProbe     string
}

func (c TopicConfig) withDefaults() TopicConfig {
	if len(c.Telemetry) == 0 {
		c.Telemetry = DefaultTelemetryTopics
	}
	if c.ConfigRequest == "" {
		c.ConfigRequest = DefaultConfigRequestTopic
	}
	if c.TimeProbe == "" {
		c.TimeProbe = DefaultTimeProbeTopic
	}
	return c
}

// Subscriptions lists every topic filter to subscribe to: the telemetry topics,
// their event variants, the config-request wildcard and the time probe.
func (c TopicConfig) Subscriptions() []string {
	c = c.withDefaults()
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	for _, t := range c.Telemetry {
		add(t)
		if strings.Contains(t, telemetrySegment) {
			add(strings.Replace(t, telemetrySegment, eventSegment, 1))
		}
	}
	add(c.ConfigRequest)
	add(c.TimeProbe)
	return out
}

// ConfigRequestDevice returns the device id of a config-request topic.
func (c TopicConfig) ConfigRequestDevice(topic string) (string, bool) {
	c = c.withDefaults()
	if !MatchTopic(c.ConfigRequest, topic) {
		return "", false
	}
	filter := strings.Split(c.ConfigRequest, "/")
	parts := strings.Split(topic, "/")
	for i, seg := range filter {
		if seg == "+" && i < len(parts) && parts[i] != "" {
			return parts[i], true
		}
	}
	return "", false
}

// ConfigResponseTopic is where the reply to a config request is published.
func (c TopicConfig) ConfigResponseTopic(requestTopic string) string {
	return requestTopic + "/response"
}

func (c TopicConfig) IsTimeProbe(topic string) bool {
	return topic == c.withDefaults().TimeProbe
}

func (c TopicConfig) TimeProbeResponseTopic() string {
	return c.withDefaults().TimeProbe + timeProbeResponseSuffix
}

// MatchTopic reports whether an MQTT topic matches a filter with + and #
// wildcards.
func MatchTopic(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
