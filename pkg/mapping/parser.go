package mapping

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/convert"
	"github.com/illmade-knight/iot-gateway/pkg/payload"
)

// UnknownDeviceID is returned when no device id can be found.
const UnknownDeviceID = "unknown"

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 10_000_000_000

var (
	deviceIDFallbacks  = []string{"device_id", "deviceId", "dev_eui", "devEui", "node_id", "nodeId"}
	timestampFallbacks = []string{"timestamp", "ts", "time", "datetime"}
	timestampLayouts   = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05Z07:00",
		time.RFC1123Z,
		time.RFC1123,
		"2006-01-02",
	}
)

// ChannelResult is the extraction outcome for one configured channel.
type ChannelResult struct {
	ChannelCode string
	ChannelID   string
	PayloadPath string
	Unit        string
	Value       float64
	OK          bool
	Err         string
	Conversion  convert.Params
}

// SensorResult holds every channel configured for one sensor, in document order.
type SensorResult struct {
	Label      string
	CatalogRef string
	SensorID   string
	Channels   []ChannelResult
}

// Result is what Parse produces. It is always fully populated.
type Result struct {
	DeviceID      string
	Timestamp     time.Time
	TimestampPath string
	Sensors       []SensorResult
	SignalQuality *float64
	Extra         map[string]payload.Value
	Errors        []string
}

// ChannelCount returns the number of channel results across sensors.
func (r *Result) ChannelCount() int {
	n := 0
	for _, s := range r.Sensors {
		n += len(s.Channels)
	}
	return n
}

// Parser extracts values from payloads using a mapping Document.
type Parser struct {
	now func() time.Time
}

// NewParser returns a Parser that uses the wall clock for missing timestamps.
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// NewParserWithClock is used by tests to pin "now".
func NewParserWithClock(now func() time.Time) *Parser {
	return &Parser{now: now}
}

// Parse never fails: missing fields become entries in Errors or failed
// ChannelResults, and defaults are substituted for device id and timestamp.
func (p *Parser) Parse(v payload.Value, doc *Document) Result {
	res := Result{}
	if doc == nil {
		doc = &Document{}
	}

	res.DeviceID = p.extractDeviceID(v, doc, &res.Errors)
	res.Timestamp, res.TimestampPath = p.extractTimestamp(v, doc, &res.Errors)

	if len(doc.Sensors) == 0 {
		res.Errors = append(res.Errors, "No sensors configuration found in mapping")
	}
	for _, sensorCfg := range doc.Sensors {
		res.Sensors = append(res.Sensors, p.parseSensor(v, sensorCfg, &res.Errors))
	}

	if sq := doc.Metadata.SignalQuality; sq != nil && sq.Path != "" {
		if found, ok := v.Lookup(sq.Path); ok {
			if n, err := payload.ToNumber(found); err == nil {
				res.SignalQuality = &n
			}
		}
	}
	if len(doc.Metadata.Extra) > 0 {
		res.Extra = make(map[string]payload.Value, len(doc.Metadata.Extra))
		for name, spec := range doc.Metadata.Extra {
			if found, ok := v.Lookup(spec.Path); ok {
				res.Extra[name] = found
			}
		}
	}
	return res
}

func (p *Parser) extractDeviceID(v payload.Value, doc *Document, errs *[]string) string {
	paths := deviceIDFallbacks
	if spec := doc.Metadata.DeviceID; spec != nil && spec.Path != "" {
		paths = append([]string{spec.Path}, deviceIDFallbacks...)
	}
	for _, path := range paths {
		found, ok := v.Lookup(path)
		if !ok {
			continue
		}
		if id := strings.TrimSpace(found.Text()); id != "" {
			return id
		}
	}
	*errs = append(*errs, "Device ID not found in payload")
	return UnknownDeviceID
}

func (p *Parser) extractTimestamp(v payload.Value, doc *Document, errs *[]string) (time.Time, string) {
	paths := timestampFallbacks
	if spec := doc.Metadata.Timestamp; spec != nil && spec.Path != "" {
		paths = append([]string{spec.Path}, timestampFallbacks...)
	}
	for _, path := range paths {
		found, ok := v.Lookup(path)
		if !ok {
			continue
		}
		ts, err := NormalizeTimestamp(found)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("Invalid timestamp at %s: %v", path, err))
			continue
		}
		return ts, path
	}
	*errs = append(*errs, "Timestamp not found in payload, using current time")
	return p.now().UTC(), ""
}

// NormalizeTimestamp converts epoch seconds, epoch milliseconds or a calendar
// string into a UTC time. Numbers above 10^10 are taken as milliseconds.
func NormalizeTimestamp(v payload.Value) (time.Time, error) {
	if n, ok := v.Number(); ok {
		return fromEpoch(n), nil
	}
	s, ok := v.Str()
	if !ok {
		return time.Time{}, fmt.Errorf("unsupported timestamp type %s", v.Kind())
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(n), nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func fromEpoch(n float64) time.Time {
	if n > epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.UnixMilli(int64(n * 1000)).UTC()
}

func (p *Parser) parseSensor(v payload.Value, cfg Sensor, errs *[]string) SensorResult {
	label := cfg.Label
	if label == "" {
		label = "Unknown"
	}
	out := SensorResult{Label: label, CatalogRef: cfg.CatalogRef, SensorID: cfg.SensorID}
	if len(cfg.Channels) == 0 {
		*errs = append(*errs, fmt.Sprintf("No channels found for sensor: %s", label))
		return out
	}
	for _, ch := range cfg.Channels {
		out.Channels = append(out.Channels, parseChannel(v, ch))
	}
	return out
}

func parseChannel(v payload.Value, cfg Channel) ChannelResult {
	res := ChannelResult{
		ChannelCode: cfg.ChannelCode,
		ChannelID:   cfg.ChannelID,
		PayloadPath: cfg.PayloadPath,
		Unit:        cfg.Unit,
		Conversion: convert.Params{
			Expression: cfg.ConversionExpression,
			Multiplier: cfg.Multiplier,
			Offset:     cfg.Offset,
		},
	}
	found, ok := v.Lookup(cfg.PayloadPath)
	if !ok {
		res.Err = fmt.Sprintf("Value not found at path: %s", cfg.PayloadPath)
		return res
	}
	n, err := payload.ToNumber(found)
	if err != nil {
		res.Err = fmt.Sprintf("Cannot convert value to number: %s", found.Text())
		return res
	}
	res.Value = n
	res.OK = true
	return res
}
