package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/convert"
	"github.com/illmade-knight/iot-gateway/pkg/mapping"
	"github.com/illmade-knight/iot-gateway/pkg/payload"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
)

const (
	NoteSuccess = "Processed successfully"
	NoteFailure = "Processing failed"

	ownerCodeLength = 5
	finalizeTimeout = 10 * time.Second
)

// nodeIdentifierFields are tried on the payload when a row has no device id.
var nodeIdentifierFields = []string{
	"device_id", "deviceId", "dev_eui", "devEui", "node_id", "nodeId", "node_code", "nodeCode", "code",
}

// RowResult is the outcome of processing one raw row.
type RowResult struct {
	Success           bool     `json:"success"`
	RawMessageID      string   `json:"rawMessageId"`
	NodeCode          string   `json:"nodeCode,omitempty"`
	ProfileCode       string   `json:"profileCode,omitempty"`
	SensorsProcessed  int      `json:"sensorsProcessed"`
	ChannelsProcessed int      `json:"channelsProcessed"`
	ReadingsCreated   int      `json:"readingsCreated"`
	Errors            []string `json:"errors"`
	ProcessingTimeMS  int64    `json:"processingTimeMs"`
	// Released rows were interrupted by cancellation and left unprocessed; their
	// claim expires and a later run picks them up again.
	Released bool `json:"released,omitempty"`
}

// rowRun carries the state of one row through the pipeline.
type rowRun struct {
	row    *store.RawMessage
	value  payload.Value
	result *RowResult
	logger zerolog.Logger

	node        *store.Node
	seenAt      time.Time
	interrupted error
}

func (r *rowRun) note(format string, args ...any) {
	r.result.Errors = append(r.result.Errors, fmt.Sprintf(format, args...))
}

// ProcessRow runs the pipeline for one row and finalizes it, whatever happens
// inside, so a poison row cannot stall the queue. The one exception is ctx
// ending before any reading was written: the row is then released unfinalized.
// The row timeout is not such an exception; a row that exceeds it fails.
func (p *Processor) ProcessRow(ctx context.Context, row *store.RawMessage) (result RowResult) {
	start := time.Now()
	result = RowResult{RawMessageID: row.ID, Errors: []string{}}
	run := &rowRun{
		row:    row,
		result: &result,
		logger: p.logger.With().Str("row_id", row.ID).Logger(),
	}

	func() {
		rowCtx, cancel := context.WithTimeout(ctx, p.cfg.RowTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				run.logger.Error().Interface("panic", rec).Msg("Recovered from panic while processing row")
				run.note("Critical error: %v", rec)
				result.Success = false
			}
		}()
		p.runPipeline(rowCtx, run)
	}()

	if err := ctx.Err(); err != nil && result.ReadingsCreated == 0 {
		result.Success = false
		result.Released = true
		result.ProcessingTimeMS = time.Since(start).Milliseconds()
		run.logger.Warn().Err(err).Msg("Run cancelled, row released for a later claim")
		return result
	}

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	p.finalize(finalCtx, run)
	result.ProcessingTimeMS = time.Since(start).Milliseconds()

	run.logger.Debug().
		Bool("success", result.Success).
		Int("readings", result.ReadingsCreated).
		Strs("errors", result.Errors).
		Msg("Row processed")
	return result
}

func (p *Processor) finalize(ctx context.Context, run *rowRun) {
	notes := strings.Join(run.result.Errors, "; ")
	if notes == "" {
		notes = NoteFailure
		if run.result.Success {
			notes = NoteSuccess
		}
	}
	updated, err := p.deps.Raw.Finalize(ctx, run.row.ID, run.result.Success, notes)
	switch {
	case err != nil:
		run.logger.Error().Err(err).Msg("Failed to finalize row")
	case !updated:
		run.logger.Warn().Msg("Row was already processed")
	}

	if run.node != nil && !run.seenAt.IsZero() {
		if _, err := p.deps.Registry.TouchLastSeen(ctx, run.node.ID, run.seenAt); err != nil {
			run.logger.Error().Err(err).Str("node_id", run.node.ID).Msg("Failed to update node last seen")
		}
	}
}

func (p *Processor) runPipeline(ctx context.Context, run *rowRun) {
	run.value, _ = payload.DecodeOrWrap(run.row.Payload)

	identifier := deviceIdentifier(run.row, run.value)
	owner, ok := p.validateOwner(ctx, run, identifier)
	if !ok {
		return
	}
	run.logger = run.logger.With().Str("device_id", identifier).Logger()

	node, err := p.deps.Registry.FindNode(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		p.trackUnpaired(ctx, run, identifier, owner, nil)
		run.note("Node not found for device_id: %s - tracked as unpaired", identifier)
		return
	}
	if err != nil {
		run.note("Node lookup failed for %s: %v", identifier, err)
		return
	}
	run.result.NodeCode = node.Code

	if node.NodeProfileID == nil || *node.NodeProfileID == "" {
		p.trackUnpaired(ctx, run, identifier, owner, node)
		run.note("Node %s has no assigned profile - tracked as unpaired", node.Code)
		return
	}
	profile, err := p.deps.Registry.Profile(ctx, *node.NodeProfileID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		run.note("Profile lookup failed for node %s: %v", node.Code, err)
		return
	}
	if profile == nil || !profile.Enabled {
		p.trackUnpaired(ctx, run, identifier, owner, node)
		run.note("Profile not found or disabled for node %s", node.Code)
		return
	}
	run.result.ProfileCode = profile.Code

	project, err := p.deps.Registry.ProjectWithOwner(ctx, node.ProjectID)
	if err != nil {
		run.note("Project not found for node %s", node.Code)
		return
	}

	doc, err := mapping.ParseDocument(profile.MappingJSON)
	if err != nil {
		run.note("Invalid mapping for profile %s: %v", profile.Code, err)
		return
	}
	parsed := p.parser.Parse(run.value, doc)
	run.result.Errors = append(run.result.Errors, parsed.Errors...)

	sensors, err := p.deps.Registry.SensorsForNode(ctx, node.ID)
	if err != nil {
		run.note("Sensor lookup failed for node %s: %v", node.Code, err)
		return
	}
	if len(sensors) == 0 {
		run.note("No sensors found for node %s", node.Code)
		return
	}

	run.node = node
	run.seenAt = parsed.Timestamp

	readings := p.buildReadings(ctx, run, &parsed, sensors, project, profile)
	if run.interrupted != nil {
		return
	}
	written := p.writeReadings(ctx, run, readings)
	run.result.ReadingsCreated = written
	run.result.Success = written > 0
}

// deviceIdentifier prefers the id stored at ingestion, then payload fields.
func deviceIdentifier(row *store.RawMessage, v payload.Value) string {
	if row.DeviceID != nil && strings.TrimSpace(*row.DeviceID) != "" {
		return strings.TrimSpace(*row.DeviceID)
	}
	for _, name := range nodeIdentifierFields {
		f, ok := v.Field(name)
		if !ok {
			continue
		}
		switch f.Kind() {
		case payload.String, payload.Number:
			if id := strings.TrimSpace(f.Text()); id != "" {
				return id
			}
		}
	}
	return ""
}

// validateOwner checks the OWNER-HARDWARE convention and resolves the owner.
func (p *Processor) validateOwner(ctx context.Context, run *rowRun, identifier string) (*store.Owner, bool) {
	if identifier == "" {
		run.note("Device ID is required")
		return nil, false
	}
	parts := strings.Split(identifier, "-")
	if len(parts) < 2 {
		run.note("Invalid owner code format: %s", identifier)
		return nil, false
	}
	code := strings.ToUpper(parts[0])
	if len(code) != ownerCodeLength {
		run.note("Invalid owner code format: %s", identifier)
		return nil, false
	}
	owner, err := p.deps.Registry.OwnerByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		run.note("Owner code not registered: %s", code)
		return nil, false
	}
	if err != nil {
		run.note("Owner lookup failed for %s: %v", code, err)
		return nil, false
	}
	return owner, true
}

// trackUnpaired records a sighting for an identifier with no usable node.
// Failures are noted but do not change the row outcome.
func (p *Processor) trackUnpaired(ctx context.Context, run *rowRun, identifier string, owner *store.Owner, node *store.Node) {
	s := store.Sighting{
		HardwareID: identifier,
		Payload:    run.row.Payload,
		Topic:      run.row.Topic,
		SeenAt:     run.row.ReceivedAt,
	}
	if owner != nil {
		s.SuggestedOwnerID = &owner.ID
	}
	if node != nil {
		s.PairedNodeID = &node.ID
		s.NodeModelID = &node.NodeModelID
		s.SuggestedProjectID = &node.ProjectID
	}
	if _, err := p.deps.Sightings.RegisterSighting(ctx, s); err != nil {
		run.logger.Error().Err(err).Msg("Failed to track unpaired device")
		run.note("Failed to track unpaired device: %v", err)
	}
}

func (p *Processor) buildReadings(ctx context.Context, run *rowRun, parsed *mapping.Result, sensors []store.Sensor,
	project *store.Project, profile *store.NodeProfile) []*types.Reading {
	var readings []*types.Reading
	for _, ps := range parsed.Sensors {
		sensor := matchSensor(sensors, ps)
		if sensor == nil {
			run.note("Sensor not found: %s", ps.Label)
			continue
		}
		run.result.SensorsProcessed++

		for _, pc := range ps.Channels {
			if !pc.OK {
				run.note("Channel %s: %s", pc.ChannelCode, pc.Err)
				continue
			}
			channel := matchChannel(sensor, pc)
			if channel == nil {
				run.note("Channel not found: %s for sensor %s", pc.ChannelCode, sensor.Label)
				continue
			}
			run.result.ChannelsProcessed++

			conv := p.converter.Convert(ctx, pc.Value, conversionParams(channel, pc))
			if conv.Method == convert.MethodInterrupted {
				run.interrupted = conv.Err
				run.note("Channel %s conversion interrupted: %v", channel.MetricCode, conv.Err)
				return nil
			}
			if conv.Err != nil {
				run.note("Channel %s conversion failed, raw value kept: %v", channel.MetricCode, conv.Err)
			}
			readings = append(readings, &types.Reading{
				RawMessageID:     run.row.ID,
				ChannelID:        channel.ID,
				SensorID:         sensor.ID,
				NodeID:           run.node.ID,
				ProjectID:        project.ID,
				OwnerID:          project.OwnerID,
				MetricCode:       channel.MetricCode,
				Unit:             channelUnit(channel, pc),
				Timestamp:        parsed.Timestamp,
				ValueRaw:         pc.Value,
				ValueEngineered:  conv.Value,
				ConversionMethod: string(conv.Method),
				QualityFlag:      types.QualityGood,
				IngestionSource:  types.IngestionSourceMQTT,
				MinThreshold:     channel.MinThreshold,
				MaxThreshold:     channel.MaxThreshold,
				ProfileID:        profile.ID,
				ProfileVersion:   profile.Version,
			})
		}
	}
	return readings
}

// writeReadings copies the readings in one batch and falls back to one insert
// per reading when the batch fails, so one bad reading costs only itself.
func (p *Processor) writeReadings(ctx context.Context, run *rowRun, readings []*types.Reading) int {
	if len(readings) == 0 {
		return 0
	}
	written := readings
	if err := p.deps.Writer.InsertBatch(ctx, readings); err != nil {
		run.logger.Warn().Err(err).Int("readings", len(readings)).Msg("Batch insert failed, inserting readings one by one")
		written = written[:0:0]
		for _, r := range readings {
			if err := p.deps.Writer.Insert(ctx, r); err != nil {
				run.logger.Error().Err(err).Str("channel_id", r.ChannelID).Msg("Failed to save reading")
				run.note("Error saving reading for channel %s: %v", r.MetricCode, err)
				continue
			}
			written = append(written, r)
		}
	}
	if p.deps.Mirror != nil {
		for _, r := range written {
			if !p.deps.Mirror.Offer(r) {
				run.logger.Warn().Str("channel_id", r.ChannelID).Msg("Reading mirror is full, reading not mirrored")
			}
		}
	}
	return len(written)
}

// matchSensor matches by stable id first, then by label or sensor code.
func matchSensor(sensors []store.Sensor, ps mapping.SensorResult) *store.Sensor {
	if ps.SensorID != "" {
		for i := range sensors {
			if sensors[i].ID == ps.SensorID {
				return &sensors[i]
			}
		}
	}
	for i := range sensors {
		if strings.EqualFold(sensors[i].Label, ps.Label) ||
			(sensors[i].SensorCode != "" && strings.EqualFold(sensors[i].SensorCode, ps.Label)) {
			return &sensors[i]
		}
	}
	return nil
}

func matchChannel(sensor *store.Sensor, pc mapping.ChannelResult) *store.SensorChannel {
	if pc.ChannelID != "" {
		for i := range sensor.Channels {
			if sensor.Channels[i].ID == pc.ChannelID {
				return &sensor.Channels[i]
			}
		}
	}
	for i := range sensor.Channels {
		if strings.EqualFold(sensor.Channels[i].MetricCode, pc.ChannelCode) {
			return &sensor.Channels[i]
		}
	}
	return nil
}

// conversionParams takes the expression from the profile channel, then the
// sensor type; multiplier and offset from the configured channel, then the profile.
func conversionParams(channel *store.SensorChannel, pc mapping.ChannelResult) convert.Params {
	params := pc.Conversion
	if params.Expression == "" && channel.SensorType != nil {
		params.Expression = channel.SensorType.ConversionFormula
	}
	if channel.Multiplier != nil {
		params.Multiplier = channel.Multiplier
	}
	if channel.OffsetValue != nil {
		params.Offset = channel.OffsetValue
	}
	return params
}

func channelUnit(channel *store.SensorChannel, pc mapping.ChannelResult) string {
	switch {
	case channel.Unit != "":
		return channel.Unit
	case pc.Unit != "":
		return pc.Unit
	case channel.SensorType != nil:
		return channel.SensorType.DefaultUnit
	}
	return ""
}
