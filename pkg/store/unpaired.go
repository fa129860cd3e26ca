package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAlreadyPaired = errors.New("device is already paired")
	ErrNoNodeModel   = errors.New("no node model known for device")
)

// Sighting is one observation of a hardware id with no usable node.
type Sighting struct {
	HardwareID         string
	Payload            []byte
	Topic              string
	SeenAt             time.Time
	NodeModelID        *string
	SuggestedOwnerID   *string
	SuggestedProjectID *string
	// PairedNodeID links a sighting to an existing node that lacks a profile.
	PairedNodeID *string
	// Override replaces existing suggestions instead of keeping the first ones.
	Override bool
}

// SightingResult reports the row after the upsert and whether it was new.
type SightingResult struct {
	Device  UnpairedDevice
	Created bool
}

// UnpairedTracker records hardware ids that are not yet provisioned.
type UnpairedTracker struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewUnpairedTracker(db *gorm.DB, logger zerolog.Logger) *UnpairedTracker {
	return &UnpairedTracker{
		db:     db,
		logger: logger.With().Str("component", "UnpairedTracker").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const upsertSightingSQL = `
INSERT INTO unpaired_devices AS u (
	id, hardware_id, node_model_id, first_seen_at, last_seen_at, last_payload, last_topic,
	seen_count, suggested_project_id, suggested_owner_id, paired_node_id, status, created_at, updated_at)
VALUES (@id, @hardware_id, @node_model_id, @seen_at, @seen_at, @payload, @topic,
	1, @project_id, @owner_id, @paired_node_id, 'pending', @now, @now)
ON CONFLICT (hardware_id) DO UPDATE SET
	last_seen_at = GREATEST(u.last_seen_at, EXCLUDED.last_seen_at),
	seen_count = u.seen_count + 1,
	last_payload = EXCLUDED.last_payload,
	last_topic = EXCLUDED.last_topic,
	node_model_id = COALESCE(u.node_model_id, EXCLUDED.node_model_id),
	paired_node_id = COALESCE(u.paired_node_id, EXCLUDED.paired_node_id),
	%s,
	updated_at = EXCLUDED.updated_at
RETURNING u.*, (xmax = 0) AS inserted`

const (
	keepSuggestions     = `suggested_owner_id = COALESCE(u.suggested_owner_id, EXCLUDED.suggested_owner_id), suggested_project_id = COALESCE(u.suggested_project_id, EXCLUDED.suggested_project_id)`
	overrideSuggestions = `suggested_owner_id = COALESCE(EXCLUDED.suggested_owner_id, u.suggested_owner_id), suggested_project_id = COALESCE(EXCLUDED.suggested_project_id, u.suggested_project_id)`
)

// RegisterSighting inserts or bumps the row for a hardware id in one statement.
// The unique index on hardware_id makes concurrent sightings safe.
func (t *UnpairedTracker) RegisterSighting(ctx context.Context, s Sighting) (SightingResult, error) {
	s.HardwareID = strings.TrimSpace(s.HardwareID)
	if s.HardwareID == "" {
		return SightingResult{}, fmt.Errorf("%w: empty hardware id", ErrInvalidArgument)
	}
	if s.SeenAt.IsZero() {
		s.SeenAt = t.now()
	}
	var payload any
	if len(s.Payload) > 0 {
		payload = datatypes.JSON(s.Payload)
	}
	suggestions := keepSuggestions
	if s.Override {
		suggestions = overrideSuggestions
	}

	var row struct {
		UnpairedDevice `gorm:"embedded"`
		Inserted       bool
	}
	err := t.db.WithContext(ctx).Raw(fmt.Sprintf(upsertSightingSQL, suggestions), map[string]any{
		"id":             uuid.NewString(),
		"hardware_id":    s.HardwareID,
		"node_model_id":  s.NodeModelID,
		"seen_at":        s.SeenAt,
		"payload":        payload,
		"topic":          s.Topic,
		"project_id":     s.SuggestedProjectID,
		"owner_id":       s.SuggestedOwnerID,
		"paired_node_id": s.PairedNodeID,
		"now":            t.now(),
	}).Scan(&row).Error
	if err != nil {
		return SightingResult{}, fmt.Errorf("register sighting for %s: %w", s.HardwareID, err)
	}
	t.logger.Debug().
		Str("hardware_id", s.HardwareID).
		Int64("seen_count", row.SeenCount).
		Bool("created", row.Inserted).
		Msg("Unpaired sighting recorded")
	return SightingResult{Device: row.UnpairedDevice, Created: row.Inserted}, nil
}

// Get loads one tracked device.
func (t *UnpairedTracker) Get(ctx context.Context, hardwareID string) (*UnpairedDevice, error) {
	var d UnpairedDevice
	err := t.db.WithContext(ctx).First(&d, "hardware_id = ?", hardwareID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unpaired device %s: %w", hardwareID, err)
	}
	return &d, nil
}

// List returns tracked devices, most recently seen first. An empty status lists all.
func (t *UnpairedTracker) List(ctx context.Context, status string, limit int) ([]UnpairedDevice, error) {
	q := t.db.WithContext(ctx).Order("last_seen_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []UnpairedDevice
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list unpaired devices: %w", err)
	}
	return out, nil
}

// PairRequest describes the node created when an operator pairs a device.
type PairRequest struct {
	ProjectID   string `json:"projectId"`
	NodeModelID string `json:"nodeModelId,omitempty"`
	ProfileID   string `json:"nodeProfileId,omitempty"`
	Code        string `json:"code,omitempty"`
}

// Pair provisions a node for an unpaired device and links the two. A device
// that was sighted through an existing node without a profile is linked to
// that node instead; ProfileID, when given, is assigned to it.
func (t *UnpairedTracker) Pair(ctx context.Context, hardwareID string, req PairRequest) (*Node, error) {
	var node Node
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d UnpairedDevice
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&d, "hardware_id = ?", hardwareID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if d.Status == UnpairedPaired {
			return ErrAlreadyPaired
		}

		linked, err := linkExistingNode(tx, &d, req)
		if err != nil {
			return err
		}
		if linked != nil {
			node = *linked
		} else {
			if node, err = createPairedNode(tx, hardwareID, &d, req); err != nil {
				return err
			}
		}
		return tx.Model(&d).Updates(map[string]any{
			"status":         UnpairedPaired,
			"paired_node_id": node.ID,
			"node_model_id":  node.NodeModelID,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("pair %s: %w", hardwareID, err)
	}
	t.logger.Info().Str("hardware_id", hardwareID).Str("node_id", node.ID).Msg("Device paired")
	return &node, nil
}

// linkExistingNode returns the node a sighting already points at, or nil when
// there is none.
func linkExistingNode(tx *gorm.DB, d *UnpairedDevice, req PairRequest) (*Node, error) {
	if d.PairedNodeID == nil || *d.PairedNodeID == "" {
		return nil, nil
	}
	var node Node
	err := tx.First(&node, "id = ?", *d.PairedNodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", *d.PairedNodeID, err)
	}
	if req.ProfileID != "" {
		if err := tx.Model(&node).Update("node_profile_id", req.ProfileID).Error; err != nil {
			return nil, fmt.Errorf("assign profile: %w", err)
		}
		node.NodeProfileID = &req.ProfileID
	}
	return &node, nil
}

func createPairedNode(tx *gorm.DB, hardwareID string, d *UnpairedDevice, req PairRequest) (Node, error) {
	if req.ProjectID == "" {
		return Node{}, fmt.Errorf("%w: project id is required", ErrInvalidArgument)
	}
	modelID := req.NodeModelID
	if modelID == "" && d.NodeModelID != nil {
		modelID = *d.NodeModelID
	}
	if modelID == "" {
		return Node{}, ErrNoNodeModel
	}
	code := req.Code
	if code == "" {
		code = defaultNodeCode(hardwareID)
	}
	node := Node{
		ProjectID:          req.ProjectID,
		NodeModelID:        modelID,
		Code:               code,
		SerialNumber:       hardwareID,
		DevEUI:             hardwareID,
		ConnectivityStatus: ConnectivityOffline,
	}
	if req.ProfileID != "" {
		node.NodeProfileID = &req.ProfileID
	}
	if err := tx.Create(&node).Error; err != nil {
		return Node{}, fmt.Errorf("create node: %w", err)
	}
	return node, nil
}

func defaultNodeCode(hardwareID string) string {
	if len(hardwareID) > 8 {
		hardwareID = hardwareID[:8]
	}
	return "Node-" + hardwareID
}

// Ignore suppresses a device. Paired devices cannot be ignored.
func (t *UnpairedTracker) Ignore(ctx context.Context, hardwareID string) error {
	res := t.db.WithContext(ctx).Model(&UnpairedDevice{}).
		Where("hardware_id = ? AND status <> ?", hardwareID, UnpairedPaired).
		Update("status", UnpairedIgnored)
	if res.Error != nil {
		return fmt.Errorf("ignore %s: %w", hardwareID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := t.Get(ctx, hardwareID); err != nil {
			return err
		}
		return fmt.Errorf("ignore %s: %w", hardwareID, ErrAlreadyPaired)
	}
	return nil
}

// Delete removes a tracked device.
func (t *UnpairedTracker) Delete(ctx context.Context, hardwareID string) error {
	res := t.db.WithContext(ctx).Where("hardware_id = ?", hardwareID).Delete(&UnpairedDevice{})
	if res.Error != nil {
		return fmt.Errorf("delete %s: %w", hardwareID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UnpairedStats summarises the tracker.
type UnpairedStats struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	Paired          int64 `json:"paired"`
	Ignored         int64 `json:"ignored"`
	SeenLast24h     int64 `json:"seenLast24h"`
	SeenLast7d      int64 `json:"seenLast7d"`
	WithSuggestions int64 `json:"withSuggestions"`
}

func (t *UnpairedTracker) Stats(ctx context.Context) (UnpairedStats, error) {
	now := t.now()
	var s UnpairedStats
	err := t.db.WithContext(ctx).Model(&UnpairedDevice{}).Select(`
		COUNT(*) AS total,
		COUNT(*) FILTER (WHERE status = ?) AS pending,
		COUNT(*) FILTER (WHERE status = ?) AS paired,
		COUNT(*) FILTER (WHERE status = ?) AS ignored,
		COUNT(*) FILTER (WHERE last_seen_at >= ?) AS seen_last24h,
		COUNT(*) FILTER (WHERE last_seen_at >= ?) AS seen_last7d,
		COUNT(*) FILTER (WHERE suggested_owner_id IS NOT NULL OR suggested_project_id IS NOT NULL) AS with_suggestions`,
		UnpairedPending, UnpairedPaired, UnpairedIgnored, now.Add(-24*time.Hour), now.Add(-7*24*time.Hour),
	).Scan(&s).Error
	if err != nil {
		return s, fmt.Errorf("unpaired stats: %w", err)
	}
	return s, nil
}
