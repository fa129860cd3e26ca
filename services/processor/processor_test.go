package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/convert"
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

const batteryMapping = `{
	"metadata": {"deviceId": {"path": "device_id"}, "timestamp": {"path": "ts"}},
	"sensors": [{
		"label": "Battery",
		"channels": [
			{"channelCode": "BATTERY_V", "payloadPath": "batt.v", "unit": "V", "multiplier": 1.0},
			{"channelCode": "TEMP", "payloadPath": "env.temp", "unit": "C"}
		]
	}]
}`

type fixture struct {
	raw       *mockRaw
	registry  *mockRegistry
	sightings *mockSightings
	writer    *mockWriter
	mirror    *mockMirror
	proc      *Processor
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

// newFixture provisions owner AB12C with node AB12C-FF00, an enabled profile
// and one sensor with BATTERY_V and TEMP channels.
func newFixture(t *testing.T, rows ...store.RawMessage) *fixture {
	t.Helper()
	f := &fixture{
		raw:       newMockRaw(rows...),
		registry:  newMockRegistry(),
		sightings: &mockSightings{},
		writer:    &mockWriter{},
		mirror:    &mockMirror{},
	}
	owner := &store.Owner{Base: store.Base{ID: "owner-1"}, OwnerCode: "AB12C"}
	f.registry.owners["AB12C"] = owner
	f.registry.projects["project-1"] = &store.Project{Base: store.Base{ID: "project-1"}, OwnerID: owner.ID, Owner: owner}
	f.registry.profiles["profile-1"] = &store.NodeProfile{
		Base: store.Base{ID: "profile-1"}, Code: "BATT-V1", MappingJSON: datatypes.JSON(batteryMapping), Version: 3, Enabled: true,
	}
	f.registry.nodes["AB12C-FF00"] = &store.Node{
		Base: store.Base{ID: "node-1"}, ProjectID: "project-1", NodeModelID: "model-1",
		NodeProfileID: strPtr("profile-1"), Code: "NODE-FF00",
	}
	f.registry.sensors["node-1"] = []store.Sensor{{
		Base: store.Base{ID: "sensor-1"}, NodeID: "node-1", Label: "battery",
		Channels: []store.SensorChannel{
			{Base: store.Base{ID: "ch-batt"}, MetricCode: "BATTERY_V", Unit: "V", MinThreshold: floatPtr(3.0), MaxThreshold: floatPtr(4.2)},
			{Base: store.Base{ID: "ch-temp"}, MetricCode: "temp"},
		},
	}}
	f.proc = New(Deps{
		Raw: f.raw, Registry: f.registry, Sightings: f.sightings, Writer: f.writer, Mirror: f.mirror,
	}, Config{}, zerolog.Nop())
	return f
}

func telemetryRow(id, deviceID, body string) store.RawMessage {
	row := store.RawMessage{
		Base:       store.Base{ID: id},
		Label:      "telemetry",
		Topic:      "sensor/" + deviceID + "/telemetry",
		Payload:    datatypes.JSON(body),
		ReceivedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if deviceID != "" {
		row.DeviceID = strPtr(deviceID)
	}
	return row
}

func TestProcessRow_ExampleScenario(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.30},"env":{"temp":21}}`)
	f := newFixture(t, row)

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.True(t, res.Success)
	assert.Equal(t, "NODE-FF00", res.NodeCode)
	assert.Equal(t, "BATT-V1", res.ProfileCode)
	assert.Equal(t, 1, res.SensorsProcessed)
	assert.Equal(t, 2, res.ChannelsProcessed)
	assert.Equal(t, 2, res.ReadingsCreated)
	assert.Empty(t, res.Errors)

	written := f.writer.Written()
	require.Len(t, written, 2)
	batt := written[0]
	assert.Equal(t, "ch-batt", batt.ChannelID)
	assert.Equal(t, "sensor-1", batt.SensorID)
	assert.Equal(t, "node-1", batt.NodeID)
	assert.Equal(t, "project-1", batt.ProjectID)
	assert.Equal(t, "owner-1", batt.OwnerID)
	assert.InDelta(t, 3.30, batt.ValueRaw, 1e-9)
	assert.InDelta(t, 3.30, batt.ValueEngineered, 1e-9)
	assert.Equal(t, string(convert.MethodLinear), batt.ConversionMethod)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), batt.Timestamp)
	assert.Equal(t, "good", batt.QualityFlag)
	assert.Equal(t, "mqtt-gateway", batt.IngestionSource)
	assert.Equal(t, floatPtr(3.0), batt.MinThreshold)
	assert.Equal(t, "profile-1", batt.ProfileID)
	assert.Equal(t, 3, batt.ProfileVersion)
	assert.Equal(t, "C", written[1].Unit, "unit falls back to the profile channel")

	fin, ok := f.raw.Get("r1")
	require.True(t, ok)
	assert.True(t, fin.succeeded)
	assert.Equal(t, NoteSuccess, fin.notes)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), f.registry.lastSeen["node-1"])
	assert.Len(t, f.mirror.offered, 2)
}

func TestProcessRow_UnregisteredOwnerCode(t *testing.T) {
	row := telemetryRow("r1", "ZZ999-FF00", `{"device_id":"ZZ999-FF00","ts":1700000000,"batt":{"v":3.30}}`)
	f := newFixture(t, row)

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.False(t, res.Success)
	assert.Zero(t, res.ReadingsCreated)
	assert.Empty(t, f.writer.Written())
	assert.Zero(t, f.registry.findCalls, "owner gate runs before node resolution")

	fin, _ := f.raw.Get("r1")
	assert.False(t, fin.succeeded)
	assert.Equal(t, "Owner code not registered: ZZ999", fin.notes)
}

func TestProcessRow_InvalidOwnerCodeFormat(t *testing.T) {
	for _, id := range []string{"NODASH", "ABC-123", "TOOLONG-1"} {
		row := telemetryRow("r-"+id, id, `{}`)
		f := newFixture(t, row)
		f.proc.ProcessRow(context.Background(), &row)
		fin, _ := f.raw.Get(row.ID)
		assert.Equal(t, "Invalid owner code format: "+id, fin.notes)
	}
}

func TestProcessRow_DeviceIDFromPayloadFallback(t *testing.T) {
	row := telemetryRow("r1", "", `{"devEui":"AB12C-FF00","ts":1700000000,"batt":{"v":3.3},"env":{"temp":1}}`)
	f := newFixture(t, row)

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.True(t, res.Success)
}

func TestProcessRow_MissingDeviceID(t *testing.T) {
	row := telemetryRow("r1", "", `{"batt":{"v":3.3}}`)
	f := newFixture(t, row)
	f.proc.ProcessRow(context.Background(), &row)
	fin, _ := f.raw.Get("r1")
	assert.Equal(t, "Device ID is required", fin.notes)
}

func TestProcessRow_UnknownNodeTrackedAsUnpaired(t *testing.T) {
	row := telemetryRow("r1", "AB12C-0001", `{"device_id":"AB12C-FF00","ts":1700000000}`)
	f := newFixture(t, row)

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.False(t, res.Success)
	require.Len(t, f.sightings.sightings, 1)
	s := f.sightings.sightings[0]
	assert.Equal(t, "AB12C-0001", s.HardwareID)
	require.NotNil(t, s.SuggestedOwnerID)
	assert.Equal(t, "owner-1", *s.SuggestedOwnerID)
	assert.Nil(t, s.PairedNodeID)

	fin, _ := f.raw.Get("r1")
	assert.Equal(t, "Node not found for device_id: AB12C-0001 - tracked as unpaired", fin.notes)
	assert.Empty(t, f.registry.lastSeen)
}

func TestProcessRow_NodeWithoutProfile(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000}`)
	f := newFixture(t, row)
	f.registry.nodes["AB12C-FF00"].NodeProfileID = nil

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.False(t, res.Success)
	assert.Equal(t, "NODE-FF00", res.NodeCode)
	require.Len(t, f.sightings.sightings, 1)
	require.NotNil(t, f.sightings.sightings[0].PairedNodeID)
	assert.Equal(t, "node-1", *f.sightings.sightings[0].PairedNodeID)
	assert.Len(t, f.registry.nodes, 1, "the node is not re-created")

	fin, _ := f.raw.Get("r1")
	assert.Equal(t, "Node NODE-FF00 has no assigned profile - tracked as unpaired", fin.notes)
}

func TestProcessRow_DisabledProfile(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000}`)
	f := newFixture(t, row)
	f.registry.profiles["profile-1"].Enabled = false

	f.proc.ProcessRow(context.Background(), &row)
	fin, _ := f.raw.Get("r1")
	assert.False(t, fin.succeeded)
	assert.Equal(t, "Profile not found or disabled for node NODE-FF00", fin.notes)
	assert.Len(t, f.sightings.sightings, 1)
}

func TestProcessRow_MissingProject(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000}`)
	f := newFixture(t, row)
	delete(f.registry.projects, "project-1")

	f.proc.ProcessRow(context.Background(), &row)
	fin, _ := f.raw.Get("r1")
	assert.Equal(t, "Project not found for node NODE-FF00", fin.notes)
}

func TestProcessRow_FieldIsolation(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.7}}`)
	f := newFixture(t, row)

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ReadingsCreated)
	assert.Equal(t, []string{"Channel TEMP: Value not found at path: env.temp"}, res.Errors)

	fin, _ := f.raw.Get("r1")
	assert.True(t, fin.succeeded)
	assert.Equal(t, "Channel TEMP: Value not found at path: env.temp", fin.notes)
}

func TestProcessRow_UnsafeExpressionFallsBackToRaw(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.7},"env":{"temp":20}}`)
	f := newFixture(t, row)
	f.registry.sensors["node-1"][0].Channels[1].SensorType = &store.SensorType{ConversionFormula: "process.exit(1)"}

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.True(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Channel temp conversion failed")

	written := f.writer.Written()
	require.Len(t, written, 2)
	assert.Equal(t, 20.0, written[1].ValueEngineered)
	assert.Equal(t, string(convert.MethodFallback), written[1].ConversionMethod)
}

func TestProcessRow_SensorTypeExpression(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.7},"env":{"temp":20}}`)
	f := newFixture(t, row)
	f.registry.sensors["node-1"][0].Channels[1].SensorType = &store.SensorType{ConversionFormula: "x * 1.8 + 32", DefaultUnit: "F"}

	f.proc.ProcessRow(context.Background(), &row)
	written := f.writer.Written()
	require.Len(t, written, 2)
	assert.InDelta(t, 68.0, written[1].ValueEngineered, 1e-9)
	assert.Equal(t, string(convert.MethodExpression), written[1].ConversionMethod)
}

func TestProcessRow_UnmatchedSensorAndChannel(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.7},"env":{"temp":20}}`)
	f := newFixture(t, row)
	f.registry.sensors["node-1"][0].Channels = f.registry.sensors["node-1"][0].Channels[:1]

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"Channel not found: TEMP for sensor battery"}, res.Errors)

	f.registry.sensors["node-1"][0].Label = "other"
	row2 := telemetryRow("r2", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000001,"batt":{"v":3.7}}`)
	res = f.proc.ProcessRow(context.Background(), &row2)
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors, "Sensor not found: Battery")
}

func TestProcessRow_BatchInsertFallsBackPerReading(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.7},"env":{"temp":20}}`)
	f := newFixture(t, row)
	f.writer.batchErr = errors.New("copy failed")
	f.writer.failMetric = "temp"

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ReadingsCreated)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Error saving reading for channel temp")
	assert.Len(t, f.mirror.offered, 1)
}

func TestProcessRow_PanicStillFinalizes(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{}`)
	f := newFixture(t, row)
	f.registry.findNodeFn = func(string) (*store.Node, error) { panic("registry exploded") }

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.False(t, res.Success)
	fin, ok := f.raw.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "Critical error: registry exploded", fin.notes)
}

func TestProcessRow_LastSeenMonotonic(t *testing.T) {
	newer := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000100,"batt":{"v":3.7}}`)
	older := telemetryRow("r2", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.6}}`)
	f := newFixture(t, newer, older)

	f.proc.ProcessRow(context.Background(), &newer)
	f.proc.ProcessRow(context.Background(), &older)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), f.registry.lastSeen["node-1"])
}

func TestRunBatch_CancelledRunReleasesRows(t *testing.T) {
	rows := []store.RawMessage{
		telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.3}}`),
		telemetryRow("r2", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000001,"batt":{"v":3.4}}`),
	}
	f := newFixture(t, rows...)
	f.registry.honourCtx = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.proc.RunBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Released)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Succeeded)
	for _, id := range []string{"r1", "r2"} {
		_, done := f.raw.Get(id)
		assert.False(t, done, "cancelled row %s must stay unprocessed", id)
	}
	assert.Empty(t, f.writer.Written())
	assert.Empty(t, f.registry.lastSeen)

	res, err = f.proc.RunBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	fin, ok := f.raw.Get("r1")
	require.True(t, ok)
	assert.True(t, fin.succeeded)

	stats := f.proc.Stats()
	assert.Equal(t, int64(2), stats.RowsReleased)
	assert.Equal(t, int64(2), stats.RowsProcessed)
}

func TestProcessRow_CancelledConversionWritesNothing(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.3},"env":{"temp":20}}`)
	f := newFixture(t, row)
	f.registry.sensors["node-1"][0].Channels[0].SensorType = &store.SensorType{ConversionFormula: "x * 100"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.proc.ProcessRow(ctx, &row)
	assert.False(t, res.Success)
	assert.True(t, res.Released)
	assert.Empty(t, f.writer.Written(), "no raw value may be stored as the engineered one")
	assert.Empty(t, f.mirror.offered)
	_, done := f.raw.Get("r1")
	assert.False(t, done)
}

func TestProcessRow_RowTimeoutFailsRow(t *testing.T) {
	row := telemetryRow("r1", "AB12C-FF00", `{"device_id":"AB12C-FF00","ts":1700000000,"batt":{"v":3.3},"env":{"temp":20}}`)
	f := newFixture(t, row)
	f.registry.sensors["node-1"][0].Channels[0].SensorType = &store.SensorType{ConversionFormula: "x * 100"}
	f.proc.cfg.RowTimeout = -time.Second

	res := f.proc.ProcessRow(context.Background(), &row)
	assert.False(t, res.Success)
	assert.False(t, res.Released)
	assert.Empty(t, f.writer.Written())

	fin, ok := f.raw.Get("r1")
	require.True(t, ok, "a row that exceeds its own timeout is terminal")
	assert.False(t, fin.succeeded)
	assert.Contains(t, fin.notes, "Channel BATTERY_V conversion interrupted: context deadline exceeded")
}

func TestRunBatch_StatsDoNotBlockRuns(t *testing.T) {
	f := newFixture(t)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				f.proc.Stats()
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_, err := f.proc.RunBatch(context.Background(), 0)
		require.NoError(t, err, "run %d", i)
	}
	close(stop)
	<-done
}

func TestRunBatch_ProcessesAndIsTerminal(t *testing.T) {
	var rows []store.RawMessage
	for i := 0; i < 5; i++ {
		rows = append(rows, telemetryRow(fmt.Sprintf("r%d", i), "AB12C-FF00",
			fmt.Sprintf(`{"device_id":"AB12C-FF00","ts":%d,"batt":{"v":3.%d},"env":{"temp":20}}`, 1700000000+i, i)))
	}
	rows = append(rows, telemetryRow("bad", "ZZ999-0000", `{}`))
	rows = append(rows, store.RawMessage{Base: store.Base{ID: "log"}, Label: "log", Payload: datatypes.JSON(`{}`)})
	f := newFixture(t, rows...)
	f.proc.cfg.Workers = 3

	res, err := f.proc.RunBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Total)
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, f.writer.Written(), 10)
	_, logDone := f.raw.Get("log")
	assert.False(t, logDone, "only telemetry rows are processed")

	res, err = f.proc.RunBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Len(t, f.writer.Written(), 10, "processed rows produce no further readings")

	stats := f.proc.Stats()
	assert.Equal(t, int64(2), stats.Runs)
	assert.Equal(t, int64(6), stats.RowsProcessed)
	assert.Equal(t, int64(10), stats.ReadingsCreated)
	assert.False(t, stats.Running)
}

func TestRunBatch_SingleFlight(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.raw.claimFn = func() ([]store.RawMessage, error) {
		close(entered)
		<-release
		return nil, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.proc.RunBatch(context.Background(), 10)
		done <- err
	}()
	<-entered

	_, err := f.proc.RunBatch(context.Background(), 10)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, f.proc.Running())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.raw.claims)
	assert.False(t, f.proc.Running())
}

func TestRunBatch_ClaimError(t *testing.T) {
	f := newFixture(t)
	f.raw.claimFn = func() ([]store.RawMessage, error) { return nil, errors.New("db down") }
	_, err := f.proc.RunBatch(context.Background(), 0)
	assert.Error(t, err)
	assert.False(t, f.proc.Running())
}
