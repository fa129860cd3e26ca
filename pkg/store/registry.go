package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Registry is read access to provisioned owners, projects, nodes, profiles
// and sensors, plus the node last-seen update.
type Registry struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func NewRegistry(db *gorm.DB, logger zerolog.Logger) *Registry {
	return &Registry{
		db:     db,
		logger: logger.With().Str("component", "Registry").Logger(),
	}
}

// FindNode resolves an identifier against dev EUI, code or serial number.
// Exact matches win over case-insensitive ones.
func (r *Registry) FindNode(ctx context.Context, identifier string) (*Node, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}
	var node Node
	err := r.db.WithContext(ctx).
		Where("dev_eui = ? OR code = ? OR serial_number = ?", identifier, identifier, identifier).
		Order("created_at ASC").
		First(&node).Error
	if err == nil {
		return &node, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("find node %s: %w", identifier, err)
	}

	lower := strings.ToLower(identifier)
	err = r.db.WithContext(ctx).
		Where("LOWER(dev_eui) = ? OR LOWER(code) = ? OR LOWER(serial_number) = ?", lower, lower, lower).
		Order("created_at ASC").
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find node %s (case-insensitive): %w", identifier, err)
	}
	return &node, nil
}

// NodeExists is FindNode without the row.
func (r *Registry) NodeExists(ctx context.Context, identifier string) (bool, error) {
	_, err := r.FindNode(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// OwnerByCode looks up an owner by its five-character code, case-insensitively.
func (r *Registry) OwnerByCode(ctx context.Context, code string) (*Owner, error) {
	var owner Owner
	err := r.db.WithContext(ctx).Where("UPPER(owner_code) = ?", strings.ToUpper(code)).First(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("owner by code %s: %w", code, err)
	}
	return &owner, nil
}

// Profile loads a node profile by id.
func (r *Registry) Profile(ctx context.Context, id string) (*NodeProfile, error) {
	var p NodeProfile
	err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", id, err)
	}
	return &p, nil
}

// UpdateProfileMapping replaces a profile's mapping document and bumps its version.
func (r *Registry) UpdateProfileMapping(ctx context.Context, id string, mapping []byte) (int, error) {
	var version int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&NodeProfile{}).Where("id = ?", id).Updates(map[string]any{
			"mapping_json": datatypes.JSON(mapping),
			"version":      gorm.Expr("version + 1"),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&NodeProfile{}).Where("id = ?", id).Pluck("version", &version).Error
	})
	if err != nil {
		return 0, fmt.Errorf("update profile %s: %w", id, err)
	}
	return version, nil
}

// ProjectWithOwner loads a project and its owner.
func (r *Registry) ProjectWithOwner(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	err := r.db.WithContext(ctx).Preload("Owner").First(&p, "id = ?", projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	if p.Owner == nil {
		return nil, fmt.Errorf("project %s owner: %w", projectID, ErrNotFound)
	}
	return &p, nil
}

// SensorsForNode loads a node's sensors with channels, channel sensor types and catalog.
func (r *Registry) SensorsForNode(ctx context.Context, nodeID string) ([]Sensor, error) {
	var sensors []Sensor
	err := r.db.WithContext(ctx).
		Preload("Channels", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Preload("Channels.SensorType").
		Preload("SensorCatalog").
		Where("node_id = ?", nodeID).
		Order("created_at ASC").
		Find(&sensors).Error
	if err != nil {
		return nil, fmt.Errorf("sensors for node %s: %w", nodeID, err)
	}
	return sensors, nil
}

// TouchLastSeen moves a node's last-seen time forward and marks it online.
// Older timestamps are ignored, so out-of-order processing cannot move it back.
func (r *Registry) TouchLastSeen(ctx context.Context, nodeID string, seenAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Node{}).
		Where("id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", nodeID, seenAt).
		Updates(map[string]any{
			"last_seen_at":        seenAt,
			"connectivity_status": ConnectivityOnline,
		})
	if res.Error != nil {
		return false, fmt.Errorf("touch last seen for node %s: %w", nodeID, res.Error)
	}
	return res.RowsAffected == 1, nil
}
