//go:build integration

package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testMosquittoImage = "eclipse-mosquitto:2.0"
	testMqttBrokerPort = "1883/tcp"
)

// setupMosquittoContainer starts a Mosquitto container.
func setupMosquittoContainer(t *testing.T, ctx context.Context) (brokerURL string, cleanupFunc func()) {
	t.Helper()
	confPath := filepath.Join(t.TempDir(), "mosquitto.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("persistence false\nlistener 1883\nallow_anonymous true\n"), 0o644))

	req := testcontainers.ContainerRequest{
		Image:        testMosquittoImage,
		ExposedPorts: []string{testMqttBrokerPort},
		WaitingFor:   wait.ForListeningPort(testMqttBrokerPort).WithStartupTimeout(60 * time.Second),
		Files: []testcontainers.ContainerFile{
			{HostFilePath: confPath, ContainerFilePath: "/mosquitto/config/mosquitto.conf", FileMode: 0o644},
		},
		Cmd: []string{"mosquitto", "-c", "/mosquitto/config/mosquitto.conf"},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err, "Failed to start Mosquitto container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, testMqttBrokerPort)
	require.NoError(t, err)
	brokerURL = fmt.Sprintf("tcp://%s:%s", host, port.Port())

	return brokerURL, func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Mosquitto container: %v", err)
		}
	}
}

func TestListener_MQTTIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	brokerURL, cleanup := setupMosquittoContainer(t, ctx)
	defer cleanup()

	logger := zerolog.Nop()
	transport := NewMQTTTransport(MQTTConfig{BrokerURL: brokerURL, ClientIDPrefix: "int-test-listener-"}, logger)

	raw := &mockRaw{}
	dir := &mockDirectory{known: map[string]bool{"DEV-1": true}}
	configs := &mockConfigs{configs: []DeviceConfig{{ModbusAddress: 1, DeviceType: "PZEM", BaudRate: 9600, Version: 1}}}
	router := NewRouter(RouterDeps{
		Raw: raw, Devices: dir, Sightings: &mockSightings{}, Publisher: transport, Configs: configs,
	}, logger)

	svc := NewService(transport, router, TopicConfig{}, ServiceConfig{NumProcessingWorkers: 2}, logger)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	device := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID("int-test-device"))
	token := device.Connect()
	require.True(t, token.WaitTimeout(10*time.Second))
	require.NoError(t, token.Error())
	defer device.Disconnect(250)

	replies := make(chan mqtt.Message, 1)
	token = device.Subscribe("get_config/DEV-1/response", 1, func(_ mqtt.Client, m mqtt.Message) { replies <- m })
	require.True(t, token.WaitTimeout(10*time.Second))
	require.NoError(t, token.Error())

	// Subscriptions are set up in the on-connect handler; give them a moment.
	time.Sleep(500 * time.Millisecond)

	token = device.Publish("sensor/DEV-1/telemetry", 1, false, `{"temperature":22.5}`)
	require.True(t, token.WaitTimeout(10*time.Second))
	require.Eventually(t, func() bool { return len(raw.Rows()) == 1 }, 10*time.Second, 100*time.Millisecond)
	row := raw.Rows()[0]
	require.NotNil(t, row.DeviceID)
	assert.Equal(t, "DEV-1", *row.DeviceID)
	assert.Equal(t, "sensor/DEV-1/telemetry", row.Topic)

	token = device.Publish("get_config/DEV-1", 1, false, `{}`)
	require.True(t, token.WaitTimeout(10*time.Second))
	select {
	case m := <-replies:
		var resp configResponse
		require.NoError(t, json.Unmarshal(m.Payload(), &resp))
		assert.Equal(t, "ok", resp.Status)
		require.Len(t, resp.Configs, 1)
	case <-time.After(10 * time.Second):
		t.Fatal("no config reply received")
	}
}
