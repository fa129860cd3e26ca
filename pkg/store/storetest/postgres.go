//go:build integration

// Package storetest starts a throwaway Postgres for integration tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresPort  = "5432/tcp"
)

// StartPostgres runs a Postgres container and returns its DSN. The container
// is terminated when the test ends.
func StartPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{postgresPort},
		Env: map[string]string{
			"POSTGRES_USER":     "gateway",
			"POSTGRES_PASSWORD": "gateway",
			"POSTGRES_DB":       "gateway",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err, "Failed to start Postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, postgresPort)
	require.NoError(t, err)
	return fmt.Sprintf("postgres://gateway:gateway@%s:%s/gateway?sslmode=disable", host, port.Port())
}

// OpenMigrated opens a GORM handle on a fresh container with all tables created.
func OpenMigrated(t *testing.T, ctx context.Context) (*gorm.DB, string) {
	t.Helper()
	dsn := StartPostgres(t, ctx)
	db, err := store.Open(ctx, store.DatabaseConfig{DSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx, db))
	return db, dsn
}

// Fixture is a provisioned owner, project, node model, profile and node.
type Fixture struct {
	Owner   store.Owner
	Project store.Project
	Model   store.NodeModel
	Profile store.NodeProfile
	Node    store.Node
}

// Seed provisions one owner with a node whose profile maps the given document.
func Seed(t *testing.T, ctx context.Context, db *gorm.DB, ownerCode, nodeCode string, mapping []byte) Fixture {
	t.Helper()
	var f Fixture
	f.Owner = store.Owner{OwnerCode: ownerCode, Name: "Owner " + ownerCode}
	require.NoError(t, db.WithContext(ctx).Create(&f.Owner).Error)
	f.Project = store.Project{OwnerID: f.Owner.ID, Name: "Project"}
	require.NoError(t, db.WithContext(ctx).Create(&f.Project).Error)
	f.Model = store.NodeModel{ModelCode: "MODEL-" + ownerCode, Vendor: "Acme", ModelName: "Logger", Protocol: "mqtt"}
	require.NoError(t, db.WithContext(ctx).Create(&f.Model).Error)
	f.Profile = store.NodeProfile{
		NodeModelID: f.Model.ID, Code: "PROFILE-" + ownerCode, Name: "Profile",
		ParserType: "json_path", MappingJSON: mapping, Version: 1, Enabled: true,
	}
	require.NoError(t, db.WithContext(ctx).Create(&f.Profile).Error)
	f.Node = store.Node{
		ProjectID: f.Project.ID, NodeModelID: f.Model.ID, NodeProfileID: &f.Profile.ID,
		Code: nodeCode, SerialNumber: nodeCode, DevEUI: nodeCode, ConnectivityStatus: store.ConnectivityOffline,
	}
	require.NoError(t, db.WithContext(ctx).Create(&f.Node).Error)
	return f
}
